package identity

import (
	"errors"
	"testing"
)

type mapResolver map[string]string

func (m mapResolver) ResolveStorageID(sid string) (string, bool) {
	login, ok := m[sid]
	return login, ok
}

func TestParseLoginID(t *testing.T) {
	id, err := Parse("10001")
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "10001" {
		t.Errorf("got %q, want 10001", id.String())
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("err = %v, want ErrInvalidIdentity", err)
	}
}

func TestParseRejectsStorageIDWithoutResolver(t *testing.T) {
	if _, err := Parse("507f1f77bcf86cd799439011"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("err = %v, want ErrInvalidIdentity", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"abc", "10001x", "12345678901", "507F1F77BCF86CD799439011"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidIdentity", raw, err)
		}
	}
}

func TestParseWithResolvesStorageID(t *testing.T) {
	r := mapResolver{"507f1f77bcf86cd799439011": "10001"}
	id, err := ParseWith("507f1f77bcf86cd799439011", r)
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "10001" {
		t.Errorf("got %q, want 10001", id.String())
	}
}

// An unmapped storage ID must fail rather than leak the wrong format into a
// conversation key.
func TestParseWithUnmappedStorageIDFails(t *testing.T) {
	if _, err := ParseWith("507f1f77bcf86cd799439011", mapResolver{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("err = %v, want ErrInvalidIdentity", err)
	}
}

func TestConversationKeySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"10001", "10002"},
		{"1", "99999"},
		{"20000", "3"},
		{"10001", "10001"},
	}
	for _, p := range pairs {
		a, b := MustParse(p[0]), MustParse(p[1])
		k1, err := ConversationKey(a, b)
		if err != nil {
			t.Fatal(err)
		}
		k2, err := ConversationKey(b, a)
		if err != nil {
			t.Fatal(err)
		}
		if k1 != k2 {
			t.Errorf("ConversationKey(%s,%s) = %q but reversed = %q", p[0], p[1], k1, k2)
		}
	}
}

func TestConversationKeyValue(t *testing.T) {
	k, err := ConversationKey(MustParse("10002"), MustParse("10001"))
	if err != nil {
		t.Fatal(err)
	}
	if k != "10001_10002" {
		t.Errorf("key = %q, want 10001_10002", k)
	}
}

// Both formats referring to the same entity must yield the same key.
func TestConversationKeyStringsDualFormat(t *testing.T) {
	r := mapResolver{
		"507f1f77bcf86cd799439011": "10001",
		"507f1f77bcf86cd799439022": "10002",
	}
	k1, err := ConversationKeyStrings("10001", "10002", r)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := ConversationKeyStrings("507f1f77bcf86cd799439011", "507f1f77bcf86cd799439022", r)
	if err != nil {
		t.Fatal(err)
	}
	k3, err := ConversationKeyStrings("507f1f77bcf86cd799439022", "10001", r)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != "10001_10002" || k2 != k1 || k3 != k1 {
		t.Errorf("keys diverge: %q %q %q", k1, k2, k3)
	}
}

func TestConversationKeyZeroIdentity(t *testing.T) {
	if _, err := ConversationKey(Identity{}, MustParse("10001")); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("err = %v, want ErrInvalidIdentity", err)
	}
}
