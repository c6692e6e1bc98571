// Package pricehistory holds the price history domain model: immutable
// snapshots, the per-item summary and discount subscriptions.
package pricehistory
