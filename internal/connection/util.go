package connection

import (
	"context"
	"strconv"

	"github.com/watchsync/server/internal/logging"
)

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// logCtx builds a context carrying this connection's room and user IDs,
// so logging calls made on its behalf include them automatically.
func logCtx(c *Connection) context.Context {
	ctx := logging.WithRoomID(context.Background(), c.Room.ID)
	return logging.WithUserID(ctx, c.ID)
}
