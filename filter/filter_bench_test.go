package filter

import (
	"testing"
)

func BenchmarkFilter_Accept_NoRules(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	raw := []byte("From: bi@example.com\r\nSubject: Daily\r\n\r\nThis is a report body.")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Accept("bi@example.com", raw)
	}
}

func BenchmarkFilter_Accept_DomainAndInclude(b *testing.B) {
	f, err := New(Options{
		SenderDomains: []string{"example.com"},
		IncludeHeader: []string{`Subject:.*[Rr]eport`},
	})
	if err != nil {
		b.Fatal(err)
	}

	raw := []byte("From: bi@example.com\r\nSubject: Daily report\r\n\r\nThis is a report body.")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Accept("bi@example.com", raw)
	}
}
