package store

import "context"

// InsertHeartbeat writes a heartbeat unless one with the same id exists.
func (db *DB) InsertHeartbeat(ctx context.Context, hb Heartbeat) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO heartbeats (id, instance_id, ts, uptime_sec, connected_count, build)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		hb.ID, hb.InstanceID, hb.Timestamp, hb.UptimeSec, hb.ConnectedCount, hb.Build)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CountHeartbeats returns the number of heartbeats an instance has written.
func (db *DB) CountHeartbeats(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM heartbeats WHERE instance_id = ?`, instanceID).Scan(&n)
	return n, err
}
