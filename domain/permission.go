package domain

// Permission is a workspace role bitmask. Bit assignments are part of the
// wire contract with the web client and must not be renumbered.
type Permission uint32

const (
	PermDelete             Permission = 1
	PermEditInfo           Permission = 2
	PermInvite             Permission = 4
	PermEditMemberRoles    Permission = 8
	PermManageApplications Permission = 16
)

// Has reports whether every bit of p is set on the receiver.
func (ps Permission) Has(p Permission) bool {
	return ps&p == p
}

func (ps Permission) CanDelete() bool             { return ps.Has(PermDelete) }
func (ps Permission) CanEditInfo() bool           { return ps.Has(PermEditInfo) }
func (ps Permission) CanInvite() bool             { return ps.Has(PermInvite) }
func (ps Permission) CanEditMemberRoles() bool    { return ps.Has(PermEditMemberRoles) }
func (ps Permission) CanManageApplications() bool { return ps.Has(PermManageApplications) }
