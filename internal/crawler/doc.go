// Package crawler holds the vocabulary of the acquisition pipeline: URL
// records, fetch outcomes, the allow-list of media domains, URL
// canonicalization, and the small interfaces the worker composes.
package crawler
