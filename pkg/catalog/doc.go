// Package catalog maps processor price IDs to the token allowance each plan includes.
//
// Two sources are supported. FileCatalog reads a YAML plans file and reloads it when the
// file changes:
//
//	plans:
//	  - price_id: price_writer_monthly
//	    name: Writer
//	    included_tokens: 100000
//
// DBCatalog reads the price mirror maintained by Syncer (prices.included_tokens), which
// takes the allowance from the processor price's "included_tokens" metadata.
package catalog
