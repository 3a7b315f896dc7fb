package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/nobletooth/simplr/pkg/cache"
)

// task is a stand-in for the domain records the UI layer derives its collections from.
type task struct {
	Id       int
	Title    string
	Category string
	Done     bool
}

var (
	loadCategories = []string{"inbox", "work", "personal", "errands", "someday"}
	loadFilters    = []string{"all", "open", "done"}
	loadSearches   = []string{"", "call", "review the quarterly planning document before friday", "buy"}
)

const (
	loadTaskCount   = 500
	loadPause       = 5 * time.Millisecond
	loadReloadEvery = 10_000 // Roughly one bulk reload per this many queries.
)

// loadTasks builds the fixed task list every worker derives from.
func loadTasks() []task {
	tasks := make([]task, 0, loadTaskCount)
	verbs := []string{"call", "review", "buy", "plan", "write"}
	for id := range loadTaskCount {
		tasks = append(tasks, task{
			Id:       id,
			Title:    fmt.Sprintf("%s item %d", verbs[id%len(verbs)], id),
			Category: loadCategories[id%len(loadCategories)],
			Done:     id%3 == 0,
		})
	}
	return tasks
}

// loadWorker issues synthetic task queries the way the UI layer would: look up, recompute on a miss, store.
type loadWorker struct {
	id       int
	rng      *rand.Rand
	tasks    []task
	cache    *cache.Unified
	filtered cache.View[[]task]
	computed cache.View[int]
	grouped  cache.View[map[string][]task]
}

func newLoadWorker(id int, unified *cache.Unified) *loadWorker {
	return &loadWorker{
		id:       id,
		rng:      rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano()))),
		tasks:    loadTasks(),
		cache:    unified,
		filtered: cache.Typed[[]task](unified, cache.Filtered),
		computed: cache.Typed[int](unified, cache.Computed),
		grouped:  cache.Typed[map[string][]task](unified, cache.Grouped),
	}
}

func (w *loadWorker) run(ctx context.Context) {
	slog.Debug("Synthetic load worker started.", "worker", w.id)
	ticker := time.NewTicker(loadPause)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.query()
		}
	}
}

// query runs one random query against one of the regions.
func (w *loadWorker) query() {
	category := loadCategories[w.rng.IntN(len(loadCategories))]
	filter := loadFilters[w.rng.IntN(len(loadFilters))]
	search := loadSearches[w.rng.IntN(len(loadSearches))]

	switch w.rng.IntN(3) {
	case 0:
		key := cache.Key(cache.Filtered, category, filter, search)
		w.filtered.GetOrCompute(key, func() []task { return filterTasks(w.tasks, category, filter, search) })
	case 1:
		key := cache.Key(cache.Computed, "open_count", category)
		w.computed.GetOrCompute(key, func() int { return len(filterTasks(w.tasks, category, "open", "")) })
	default:
		key := cache.Key(cache.Grouped, "by_category", filter)
		w.grouped.GetOrCompute(key, func() map[string][]task { return groupTasks(w.tasks, filter) })
	}

	if w.rng.IntN(loadReloadEvery) == 0 {
		slog.Info("Synthetic load reloaded its tasks.", "worker", w.id)
		w.cache.InvalidateAll()
	}
}

func matchesFilter(t task, filter string) bool {
	switch filter {
	case "open":
		return !t.Done
	case "done":
		return t.Done
	default:
		return true
	}
}

// filterTasks returns a fresh slice; cached collections are never mutated afterwards.
func filterTasks(tasks []task, category, filter, search string) []task {
	return slices.DeleteFunc(slices.Clone(tasks), func(t task) bool {
		return t.Category != category || !matchesFilter(t, filter) || !strings.Contains(t.Title, search)
	})
}

func groupTasks(tasks []task, filter string) map[string][]task {
	groups := make(map[string][]task, len(loadCategories))
	for _, t := range tasks {
		if matchesFilter(t, filter) {
			groups[t.Category] = append(groups[t.Category], t)
		}
	}
	return groups
}
