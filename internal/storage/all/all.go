// Package all registers every storage backend with the storage factory.
// Binaries import it for side effects; the job config picks the kind.
package all

import (
	_ "apisync/internal/storage/mssql"
	_ "apisync/internal/storage/sqlite"
)
