/*
Package storage persists the job registry in a single bbolt file
(drover.db in the data directory).

Records are JSON-encoded JobRecords in the "jobs" bucket, keyed by job ID. A
"meta" bucket holds the schema version; opening a file written with a
different schema fails rather than guessing.

Only job requests are stored. Worker state always comes from the backend.
*/
package storage
