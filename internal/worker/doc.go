// Package worker implements the orchestration loop that drives one crawl
// task: it pulls entries from the task frontier, paces and fetches them,
// escalates empty shells to a rendering fetch, applies domain score
// feedback and schedules discovered links.
package worker
