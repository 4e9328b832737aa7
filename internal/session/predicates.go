package session

import "time"

// Session field names consumed by the predicates.
const (
	FieldLogin      = "login"
	FieldIsLogin    = "isLogin"
	FieldUID        = "uid"
	FieldUUID       = "uuid"
	FieldGID        = "gid"
	FieldGUID       = "guid"
	FieldExpireTime = "expiretime"
	FieldIsAdmin    = "isAdmin"
	FieldIsManager  = "isManager"
	FieldIsTesting  = "isTesting"
	FieldNickname   = "nickname"
	FieldUnion      = "union"
)

// TesterRoleID is the reserved union role assigned to testers.
const TesterRoleID = 340

// privilegedID is the highest group/role id treated as administrative.
const privilegedID = 10

// unprivilegedDefault stands in for a missing group/role id.
const unprivilegedDefault = 200

// IsExpire reports whether the session's expiretime is before now.
func IsExpire(s Session, now time.Time) bool {
	return Int64(s, FieldExpireTime, 0) < now.Unix()
}

// IsLogin reports whether both login flags are set, a user and group id are
// present, and the session has not expired.
func IsLogin(s Session, now time.Time) bool {
	return Int64(s, FieldLogin, 0) == 1 &&
		Int64(s, FieldIsLogin, 0) == 1 &&
		(Int64(s, FieldUID, 0) != 0 || Int64(s, FieldUUID, 0) != 0) &&
		(Int64(s, FieldGID, 0) != 0 || Int64(s, FieldGUID, 0) != 0) &&
		Int64(s, FieldExpireTime, 0) > now.Unix()
}

// IsUnion reports whether a logged-in session holds a union grant for poolID.
func IsUnion(s Session, poolID int64, now time.Time) bool {
	if !IsLogin(s, now) {
		return false
	}
	union, ok := s.Get(FieldUnion, nil).(map[string]any)
	if !ok || len(union) == 0 {
		return false
	}
	return Int64(s, "union.unionid", 0) != 0 &&
		Int64(s, "union.uid", 0) != 0 &&
		Int64(s, "union.roleid", 0) != 0 &&
		Int64(s, "union.status", 0) != 0 &&
		Int64(s, "union.poolid", 0) == poolID
}

// IsOrganize reports whether the union grant carries an organization.
func IsOrganize(s Session, poolID int64, now time.Time) bool {
	return IsUnion(s, poolID, now) && Int64(s, "union.organize.orgid", 0) != 0
}

// IsStore reports whether the union grant carries a store.
func IsStore(s Session, poolID int64, now time.Time) bool {
	return IsUnion(s, poolID, now) && Int64(s, "union.store.storeid", 0) != 0
}

// IsAdmin reports whether a logged-in session is flagged admin and holds a
// privileged group or role id on any of its aliased fields.
func IsAdmin(s Session, now time.Time) bool {
	return IsLogin(s, now) && Int64(s, FieldIsAdmin, 0) == 1 && hasPrivilegedID(s)
}

// IsManager is IsAdmin that also accepts the isManager flag.
func IsManager(s Session, now time.Time) bool {
	if !IsLogin(s, now) {
		return false
	}
	flagged := Int64(s, FieldIsAdmin, 0) == 1 || Int64(s, FieldIsManager, 0) == 1
	return flagged && hasPrivilegedID(s)
}

// IsTesting reports whether a logged-in session is flagged tester with the tester role.
func IsTesting(s Session, now time.Time) bool {
	return IsLogin(s, now) &&
		Int64(s, FieldIsTesting, 0) == 1 &&
		Int64(s, "union.roleid", unprivilegedDefault) == TesterRoleID
}

func hasPrivilegedID(s Session) bool {
	for _, path := range []string{FieldGID, "union.gid", "union.guid", "union.roleid"} {
		if Int64(s, path, unprivilegedDefault) <= privilegedID {
			return true
		}
	}
	return false
}
