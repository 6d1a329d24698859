package id

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns a job id of the form <unix-millis>-<uuid>. The timestamp keeps
// ids roughly sortable; the random half keeps concurrent submissions apart.
func New() string {
	return NewAt(time.Now())
}

func NewAt(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10) + "-" + uuid.NewString()
}
