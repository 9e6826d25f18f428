package authcode

import "encoding/json"

func grantedPermissionsJSON(g GrantedPermissions) []byte {
	b, err := json.Marshal(g)
	if err != nil {
		// GrantedPermissions has no types json.Marshal can fail on.
		panic("authcode: marshal granted permissions: " + err.Error())
	}
	return b
}

func parseGrantedPermissions(raw []byte) GrantedPermissions {
	var g GrantedPermissions
	_ = json.Unmarshal(raw, &g)
	return g
}
