package points

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Directory manages accounts. It never touches balances: every user starts
// at zero and only the Ledger moves points afterwards.
type Directory struct {
	store Store
	opts  options
}

func NewDirectory(store Store, opts ...Option) *Directory {
	return &Directory{store: store, opts: buildOptions(opts)}
}

// NewUser is the input to CreateUser. An empty ID gets a generated one.
type NewUser struct {
	ID      UserID
	Name    string
	Role    Role
	TutorID *UserID
}

// CreateUser adds an account. Admins only. A student's tutor, when given,
// must be an existing tutor.
func (d *Directory) CreateUser(ctx context.Context, actor Principal, in NewUser) (User, error) {
	if err := Authorize(actor, "create users", RoleAdmin); err != nil {
		return User{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, invalid("name", "is required")
	}
	if !in.Role.Valid() {
		return User{}, invalid("role", fmt.Sprintf("unknown role %q", in.Role))
	}
	if in.TutorID != nil && in.Role != RoleStudent {
		return User{}, invalid("tutorId", "only students have a tutor")
	}

	u := User{
		ID:        in.ID,
		Name:      name,
		Role:      in.Role,
		TutorID:   in.TutorID,
		CreatedAt: d.opts.now(),
	}
	if u.ID == "" {
		u.ID = UserID(uuid.NewString())
	}

	err := d.store.WithTx(ctx, func(tx Tx) error {
		if u.TutorID != nil {
			tutor, err := tx.GetUser(ctx, *u.TutorID)
			if err != nil {
				if IsNotFound(err) {
					return notFound("tutor", string(*u.TutorID))
				}
				return err
			}
			if tutor.Role != RoleTutor {
				return notFound("tutor", string(*u.TutorID))
			}
		}
		return tx.InsertUser(ctx, u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Students lists students, optionally only those assigned to tutorID.
// Tutors and admins only.
func (d *Directory) Students(ctx context.Context, actor Principal, tutorID *UserID) ([]User, error) {
	if err := Authorize(actor, "list students", RoleTutor, RoleAdmin); err != nil {
		return nil, err
	}
	return d.store.ListUsers(ctx, UserFilter{Role: RoleStudent, TutorID: tutorID})
}

// User returns any account by ID.
func (d *Directory) User(ctx context.Context, actor Principal, id UserID) (User, error) {
	if err := Authorize(actor, "view users"); err != nil {
		return User{}, err
	}
	return d.store.GetUser(ctx, id)
}
