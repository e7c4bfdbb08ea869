package pubsub

import "testing"

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project, name, want string
	}{
		{"proj", "alerts", "projects/proj/topics/alerts"},
		{"proj", " alerts ", "projects/proj/topics/alerts"},
		{"other", "projects/proj/topics/alerts", "projects/proj/topics/alerts"},
		{"", "alerts", ""},
		{"proj", "", ""},
	}
	for _, tc := range cases {
		if got := TopicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("TopicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if c.Publisher("alerts") != nil {
		t.Fatalf("expected nil publisher")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected nil close error, got %v", err)
	}
}
