package syncable

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// MissingDependencyError is returned by apply callbacks when a referenced
// record has not been applied locally yet.
type MissingDependencyError struct {
	ModelType string    // тип модели, на которую ссылаемся
	Field     string    // поле с внешним ключом
	UUID      uuid.UUID // UUID отсутствующей записи
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency %s.%s uuid=%s", e.ModelType, e.Field, e.UUID)
}

// MissingDependency extracts the UUID of the missing record from err.
func MissingDependency(err error) (uuid.UUID, bool) {
	var mde *MissingDependencyError
	if errors.As(err, &mde) {
		return mde.UUID, true
	}
	return uuid.Nil, false
}

var missingUUIDPattern = regexp.MustCompile(`uuid=([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// ParseMissingDependencyUUID scans an error message for a "uuid=<UUID>"
// fragment. It only exists for collaborators that cannot return a
// MissingDependencyError; new code should return the typed error.
func ParseMissingDependencyUUID(msg string) (uuid.UUID, bool) {
	m := missingUUIDPattern.FindStringSubmatch(msg)
	if m == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
