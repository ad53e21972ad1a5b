package postgres

import "gistools/internal/storage"

func init() {
	storage.Register("postgres", New)
}
