// Package all registers every storage backend with the storage factory.
// Binaries import it for side effects; the pipeline config picks the kind.
package all

import (
	_ "dumpflat/internal/storage/mssql"
	_ "dumpflat/internal/storage/postgres"
	_ "dumpflat/internal/storage/sqlite"
)
