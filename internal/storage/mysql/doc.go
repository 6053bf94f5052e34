// Package mysql persists task history in MySQL. Schema changes ship as
// embedded SQL files under deploy/migrations and are applied in version
// order on startup, each inside its own transaction. Applied versions and
// their file checksums are tracked in task_history_schema; a checksum that
// no longer matches its file stops startup.
package mysql
