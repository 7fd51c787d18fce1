// Package crawler defines the types, collaborator interfaces and errors shared
// by the crawl orchestration engine and the host application around it.
package crawler
