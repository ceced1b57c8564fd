package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/workstead/provisioner/internal/data/pgxutil"
	"github.com/workstead/provisioner/internal/domain/model"
)

// DirectoryRepo reads the reference directory tables the resolver validates
// batch records against.
type DirectoryRepo struct {
	DB *sql.DB
}

// NewDirectoryRepo creates a new DirectoryRepo with the given database connection.
func NewDirectoryRepo(db *sql.DB) *DirectoryRepo {
	return &DirectoryRepo{DB: db}
}

func tableForReferenceType(refType model.ReferenceType) (string, error) {
	switch refType {
	case model.ReferenceDepartment:
		return "departments", nil
	case model.ReferenceOffice:
		return "offices", nil
	case model.ReferenceTitle:
		return "titles", nil
	default:
		return "", fmt.Errorf("unknown reference type: %s", refType)
	}
}

// FetchByIDs loads references of one type by ID in a single query. IDs absent
// from the result simply do not exist; callers compare against the input set.
func (r *DirectoryRepo) FetchByIDs(
	ctx context.Context,
	refType model.ReferenceType,
	ids []string,
) ([]model.Reference, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	table, err := tableForReferenceType(refType)
	if err != nil {
		return nil, err
	}

	var refs []model.Reference
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT id, name
			FROM `+table+`
			WHERE id = ANY($1)
		`, ids)
		if qerr != nil {
			return fmt.Errorf("fetch %s: %w", table, qerr)
		}
		defer rows.Close()

		for rows.Next() {
			var ref model.Reference
			if scanErr := rows.Scan(&ref.ID, &ref.Name); scanErr != nil {
				return fmt.Errorf("scan %s: %w", table, scanErr)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
