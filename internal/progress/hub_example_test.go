package progress_test

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// ExampleHub shows a sink tallying fetched pages per host for one crawl.
func ExampleHub() {
	pages := map[string]int{}
	tally := progress.SinkFunc(func(_ context.Context, batch []progress.Event) error {
		for _, evt := range batch {
			if evt.Stage == progress.StageFetchDone && evt.StatusClass == progress.Status2xx {
				pages[evt.Site]++
			}
		}
		return nil
	})
	hub := progress.NewHub(progress.Config{MaxBatchEvents: 2, MaxBatchWait: time.Second}, tally)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hub.Emit(progress.Event{CrawlID: "crawl-1", TS: ts, Stage: progress.StageCrawlStart, Note: "election results"})
	for _, fetch := range []struct {
		site   string
		status int
	}{{"news.example", 200}, {"news.example", 200}, {"blog.example", 200}, {"blog.example", 404}} {
		hub.Emit(progress.Event{
			CrawlID:     "crawl-1",
			TS:          ts,
			Stage:       progress.StageFetchDone,
			Site:        fetch.site,
			StatusClass: progress.ClassifyStatus(fetch.status),
		})
	}
	// Dropped: fetch events need a site.
	hub.Emit(progress.Event{CrawlID: "crawl-1", TS: ts, Stage: progress.StageFetchDone})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	hosts := make([]string, 0, len(pages))
	for host := range pages {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		fmt.Printf("%s: %d\n", host, pages[host])
	}
	fmt.Printf("invalid: %d\n", hub.Stats().Invalid)
	// Output:
	// blog.example: 1
	// news.example: 2
	// invalid: 1
}
