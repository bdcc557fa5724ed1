package workflow

// CanAct decides whether principal may act on step given the users resolved
// as authorized for it. Unauthenticated principals never may; admins always
// may; everyone else must be in authorized.
func CanAct(principal Principal, step Step, authorized []string) bool {
	if principal.UserID == "" || step.Name == "" {
		return false
	}
	if principal.IsAdmin() {
		return true
	}
	for _, id := range authorized {
		if id == principal.UserID {
			return true
		}
	}
	return false
}
