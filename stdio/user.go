package stdio

import "os/user"

// UserFunc names the local peer. Stdio has no credentials; the OS account
// that spawned the process is the only identity there is.
type UserFunc func() (string, error)

// OSUser returns the current user's name, or the uid when it has none.
func OSUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}
