package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "national mobile", in: "050-123-4567", want: "972501234567"},
		{name: "international with plus", in: "+972 50 123 4567", want: "972501234567"},
		{name: "trunk zero after country code", in: "9720501234567", want: "972501234567"},
		{name: "double zero prefix", in: "00972501234567", want: "972501234567"},
		{name: "parentheses", in: "(050) 1234567", want: "972501234567"},
		{name: "foreign number untouched", in: "+1 (415) 555-0100", want: "14155550100"},
		{name: "empty", in: "  ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in, ""))
		})
	}
}

func TestNormalize_CustomCountryCode(t *testing.T) {
	assert.Equal(t, "447911123456", Normalize("07911 123456", "44"))
}

type contact struct{ id, number string }

func (c contact) ContactID() string    { return c.id }
func (c contact) ContactPhone() string { return c.number }

func TestDuplicates(t *testing.T) {
	contacts := []contact{
		{"g1", "050-1234567"},
		{"g2", "+972501234567"},
		{"g3", "052-7654321"},
		{"g4", ""},
		{"g5", ""},
	}

	dups := Duplicates(contacts, "972")

	assert.Len(t, dups, 1)
	assert.ElementsMatch(t, []string{"g1", "g2"}, dups["972501234567"])
}
