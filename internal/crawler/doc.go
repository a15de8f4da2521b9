// Package crawler holds the vocabulary shared by the crawl orchestration packages: call
// families, request params, decoded pages, terminal statuses, documents and the collaborator
// interfaces (fetcher, document store, notifier, clock) the core depends on.
package crawler
