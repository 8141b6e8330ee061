package checkout

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewReference returns a payment reference of the form payment_<unix-millis>_<9 base36 chars>.
func NewReference(now time.Time) string {
	id := uuid.New()
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = base36[int(id[i])%len(base36)]
	}
	return "payment_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix)
}
