package messagequeue

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		data    string
		wantErr string
	}{
		{"queued ok", SubjectTaskQueued, `{"task_id":"t1"}`, ""},
		{"status ok", SubjectTaskStatus, `{"task_id":"t1","status":"generating","progress":10}`, ""},
		{"progress ok", SubjectTaskProgress, `{"task_id":"t1","progress":42,"message":"generating image 3/5"}`, ""},
		{"unregistered subject passes", "unknown.subject", `{"foo":"bar"}`, ""},
		{"empty object passes", SubjectTaskStatus, `{}`, ""},
		{"malformed", SubjectTaskQueued, `{not valid json`, "malformed JSON"},
		{"wrong shape", SubjectTaskQueued, `"just a string"`, "does not match its schema"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.subject, []byte(tc.data))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
