// Package all registers every storage backend.
package all

import (
	_ "rowshape/internal/storage/mssql"
	_ "rowshape/internal/storage/postgres"
	_ "rowshape/internal/storage/sqlite"
)
