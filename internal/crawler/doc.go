// Package crawler defines the domain types and capability interfaces shared by
// the paginated fetch dispatcher and the discovery pipeline.
package crawler
