// Package crawler defines the types, ports and URL helpers shared by the crawl
// orchestration engine and its collaborators.
package crawler
