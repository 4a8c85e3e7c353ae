package port

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// EntityHandle is the engine's view of one target business object. The
// host application implements this per domain type; the engine only reads
// attributes, applies field updates, and asks who owns the object.
type EntityHandle interface {
	Attributes(ctx context.Context) (map[string]any, error)
	Update(ctx context.Context, fields map[string]any) error
	OwnerID() string
}

// EntityResolver resolves a polymorphic entity reference into a handle.
// The host registers one resolver per entity type it runs workflows on.
type EntityResolver interface {
	Resolve(ctx context.Context, ref entity.EntityRef) (EntityHandle, error)
}

// UserProvider resolves acting users. User storage belongs to the host
// application; the engine only needs lookups.
type UserProvider interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
	Superusers(ctx context.Context) ([]*entity.User, error)
	List(ctx context.Context) ([]*entity.User, error)
}

// RoleProvider answers role, group and permission questions against the
// host application's authorization system.
type RoleProvider interface {
	UserHasRole(ctx context.Context, userID, role string) (bool, error)
	UserInGroup(ctx context.Context, userID, group string) (bool, error)
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	UsersInGroup(ctx context.Context, group string) ([]string, error)
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
}

// Mailer sends email for EMAIL actions. Delivery mechanics live outside
// the engine.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// APICaller performs outbound HTTP calls for API_CALL actions
type APICaller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (status int, response []byte, err error)
}

// Notifier delivers in-app notifications for NOTIFICATION actions
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, message string, data map[string]any) error
}
