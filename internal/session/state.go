// File: internal/session/state.go
package session

// StorageState is the persisted browser authentication state: cookies plus
// origin-scoped localStorage. The store itself treats the blob as opaque;
// this structure exists for the runner, which captures and restores it.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Cookie mirrors the fields the browser needs to restore a cookie exactly.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginState carries the localStorage entries of one origin.
type OriginState struct {
	Origin       string             `json:"origin"`
	LocalStorage []LocalStorageItem `json:"localStorage"`
}

// LocalStorageItem is a single localStorage key/value pair.
type LocalStorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecodeState parses a stored blob back into a StorageState.
func DecodeState(blob []byte) (*StorageState, error) {
	var st StorageState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
