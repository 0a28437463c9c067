package storage

import (
	"context"

	"github.com/md-rashed-zaman/telehealth/libs/db"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

// Directory reads the users table, which the external profile service owns.
type Directory struct {
	pool *db.Pool
}

func NewDirectory(pool *db.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) Lookup(ctx context.Context, id string) (scheduling.Person, error) {
	var p scheduling.Person
	var role string
	err := d.pool.QueryRow(ctx, `SELECT id, role, display_name FROM users WHERE id = $1`, id).
		Scan(&p.ID, &role, &p.DisplayName)
	if err != nil {
		return scheduling.Person{}, classify(err, "user")
	}
	p.Role = identity.Role(role)
	return p, nil
}

var _ scheduling.Directory = (*Directory)(nil)
