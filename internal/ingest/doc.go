// Package ingest pulls events from an upstream messaging platform.
//
// A Poller long-polls a Source for events after the Cursor and hands each
// one, in order, to a Handler. The cursor advances only after the handler
// accepts an event, and is mirrored to durable storage so a restart
// resumes where the last run stopped. A fetch failure backs off and leaves
// the cursor alone; an event that still fails after MaxEventAttempts tries is skipped so
// one bad update cannot stall the source.
package ingest
