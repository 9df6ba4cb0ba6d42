package model

import (
	"database/sql"
	"time"
)

type Template struct {
	ID         string         `db:"id"`
	ZipKey     string         `db:"zip_s3_key"`
	Status     string         `db:"status"`
	PreviewURL sql.NullString `db:"preview_url"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}
