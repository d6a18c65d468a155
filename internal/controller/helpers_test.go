package controller

import (
	"time"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

func storedRecord(id string, created time.Time) store.TaskRecord {
	finished := created.Add(time.Minute)
	return store.TaskRecord{
		ID:         id,
		Name:       id,
		Config:     crawler.CrawlConfig{StartURL: "http://old.test/", MaxPages: 1},
		Status:     crawler.StatusCompleted,
		CreatedAt:  created,
		FinishedAt: &finished,
	}
}
