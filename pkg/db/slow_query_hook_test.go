package db

import "testing"

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{"SELECT id FROM tasks WHERE org_id = $1", "select", "tasks"},
		{"INSERT INTO decision_records(id, agent_id) VALUES ($1, $2)", "insert", "decision_records"},
		{"UPDATE tasks SET warned_at = $1", "update", "tasks"},
		{"DELETE FROM outbox_events WHERE id = $1", "delete", "outbox_events"},
		{"BEGIN", "begin", "unknown"},
		{"", "unknown", "unknown"},
	}
	for _, c := range cases {
		op, table := describeSQL(c.sql)
		if op != c.op || table != c.table {
			t.Errorf("describeSQL(%q) = (%q, %q), want (%q, %q)", c.sql, op, table, c.op, c.table)
		}
	}
}
