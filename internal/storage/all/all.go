// Package all registers every storage backend. Commands blank-import it.
package all

import (
	_ "gistools/internal/storage/mssql"
	_ "gistools/internal/storage/postgres"
	_ "gistools/internal/storage/sqlite"
)
