package lib

import "gorm.io/gorm"

// GormTransaction performs fn on a gorm database transaction instance when
// using something else than sqlite as the dialector (mysql or psql).
// sqlite runs on a single connection, so it falls back to the regular gorm
// database instance; callers serialise writes with their own locks.
func GormTransaction(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	isSqlite := db.Config.Dialector.Name() == "sqlite"

	if isSqlite {
		return fn(db)
	}

	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
