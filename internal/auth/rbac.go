package auth

// CanReadDocument reports whether the identity may read a document. Admins
// and wildcard grants pass for every document.
func CanReadDocument(id *Identity, documentID string) bool {
	if id == nil {
		return false
	}
	if id.Permissions.IsAdmin {
		return true
	}
	for _, d := range id.Permissions.CanRead {
		if d == "*" || d == documentID {
			return true
		}
	}
	return false
}

// CanWriteDocument reports whether the identity may edit a document.
func CanWriteDocument(id *Identity, documentID string) bool {
	if id == nil {
		return false
	}
	if id.Permissions.IsAdmin {
		return true
	}
	for _, d := range id.Permissions.CanWrite {
		if d == "*" || d == documentID {
			return true
		}
	}
	return false
}

// FullAccess grants read and write on every document.
func FullAccess() DocumentPermissions {
	return DocumentPermissions{CanRead: []string{"*"}, CanWrite: []string{"*"}}
}
