package robots

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// Policy is the parsed robots exclusion policy for one host.
type Policy struct {
	Host        string
	UserAgent   string
	CrawlDelay  time.Duration
	RequestRate float64
	FetchedAt   time.Time
	TTL         time.Duration

	data *robotstxt.RobotsData
}

// Allowed tests a path (with optional query) for the given agent.
func (p *Policy) Allowed(pathAndQuery, userAgent string) bool {
	if p == nil || p.data == nil {
		return true
	}
	group := p.data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	return group.Test(pathAndQuery)
}

func newPolicy(host, userAgent string, data *robotstxt.RobotsData, body []byte, fetchedAt time.Time, ttl time.Duration) *Policy {
	p := &Policy{
		Host:      host,
		UserAgent: userAgent,
		FetchedAt: fetchedAt,
		TTL:       ttl,
		data:      data,
	}
	if group := data.FindGroup(userAgent); group != nil {
		p.CrawlDelay = group.CrawlDelay
	}
	if rps, ok := parseRequestRate(body, userAgent); ok {
		p.RequestRate = rps
	}
	return p
}

// parseRequestRate extracts the Request-rate directive for agent, falling back
// to the "*" group. The robotstxt parser ignores this directive, so the body is
// scanned directly. Accepted forms: "1/5", "1/5s", "2/1m", "10/1h".
func parseRequestRate(body []byte, agent string) (float64, bool) {
	agent = strings.ToLower(agent)
	var (
		groupAgents []string
		inRules     bool
		specific    float64
		wildcard    float64
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			if inRules {
				groupAgents = nil
				inRules = false
			}
			groupAgents = append(groupAgents, strings.ToLower(value))
		case "request-rate":
			inRules = true
			rps, valid := parseRate(value)
			if !valid {
				continue
			}
			for _, ga := range groupAgents {
				switch {
				case ga == "*":
					wildcard = rps
				case agent != "" && strings.Contains(agent, ga):
					specific = rps
				}
			}
		default:
			inRules = true
		}
	}
	if specific > 0 {
		return specific, true
	}
	if wildcard > 0 {
		return wildcard, true
	}
	return 0, false
}

func parseRate(value string) (float64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	num, den, ok := strings.Cut(fields[0], "/")
	if !ok {
		return 0, false
	}
	requests, err := strconv.ParseFloat(num, 64)
	if err != nil || requests <= 0 {
		return 0, false
	}
	unit := time.Second
	switch {
	case strings.HasSuffix(den, "h"):
		unit = time.Hour
		den = strings.TrimSuffix(den, "h")
	case strings.HasSuffix(den, "m"):
		unit = time.Minute
		den = strings.TrimSuffix(den, "m")
	case strings.HasSuffix(den, "s"):
		den = strings.TrimSuffix(den, "s")
	}
	span, err := strconv.ParseFloat(den, 64)
	if err != nil || span <= 0 {
		return 0, false
	}
	return requests / (span * unit.Seconds()), true
}
