package models

// Role selects which collection owns a participant id.
type Role string

const (
	RoleUser      Role = "user"
	RoleVolunteer Role = "volunteer"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleVolunteer
}

// Participant is a polymorphic reference; the id is never dereferenced here.
type Participant struct {
	ID   string `bson:"id" json:"id" validate:"required"`
	Role Role   `bson:"participant_type" json:"participantType" validate:"required,oneof=user volunteer"`
}

func (p Participant) Equal(o Participant) bool {
	return p.ID == o.ID && p.Role == o.Role
}

// SamePair reports whether {a, b} and {c, d} are the same unordered pair.
func SamePair(a, b, c, d Participant) bool {
	return (a.Equal(c) && b.Equal(d)) || (a.Equal(d) && b.Equal(c))
}
