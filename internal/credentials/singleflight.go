package credentials

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/reoxt/basesync/internal/store"
)

// refreshGroup serializes token refreshes per {user, service} so that
// concurrent runs for the same user never issue duplicate refresh calls.
// Built on golang.org/x/sync/singleflight, already pulled in for the
// executor's bounded-batch errgroup — one dependency doing double duty
// instead of a hand-rolled mutex map.
type refreshGroup struct {
	g singleflight.Group
}

func refreshKey(ownerID uuid.UUID, service store.Service) string {
	return fmt.Sprintf("%s:%s", ownerID, service)
}

// Do ensures only one refresh for {ownerID, service} is in flight at a
// time; concurrent callers block and share the first caller's result.
func (r *refreshGroup) Do(ownerID uuid.UUID, service store.Service, fn func() (*refreshedToken, error)) (*refreshedToken, error) {
	v, err, _ := r.g.Do(refreshKey(ownerID, service), func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*refreshedToken), nil
}
