// Package model はドメインモデルを定義する。
package model

// User はユーザーの識別情報とプロフィールの射影を表す。
// JSONタグはリモートのusersドキュメントのフィールド名と一致させている。
type User struct {
	UID           string `json:"uid"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	AccessLevel   int    `json:"nivel"`
	FirstName     string `json:"nombre"`
	LastName      string `json:"apellido"`
	Age           int    `json:"edad"`
	ContactNumber string `json:"whatsapp"`
	Program       string `json:"carrera"`
	Site          string `json:"sede"`

	// ProfilePhotoRef はリモートのblobストレージ上の写真URL。
	ProfilePhotoRef string `json:"profilePhoto"`

	// ProfilePhotoData はオフライン表示用にローカルへキャッシュしたbase64。
	// リモートへの書き込みの根拠として扱ってはならない。
	ProfilePhotoData string `json:"profilePhotoData,omitempty"`
}

// userFieldNames は部分更新で指定可能なユーザーフィールド。
// uidは不変、profilePhotoDataはローカル専用のため含めない。
var userFieldNames = map[string]struct{}{
	"username":     {},
	"email":        {},
	"nivel":        {},
	"nombre":       {},
	"apellido":     {},
	"edad":         {},
	"whatsapp":     {},
	"carrera":      {},
	"sede":         {},
	"profilePhoto": {},
}

// ValidateUserFields はユーザーの部分更新フィールドを検証する。
func ValidateUserFields(f Fields) error {
	return f.validate(userFieldNames)
}

// Merge はfieldsを適用した新しいUserを返す。レシーバは変更しない。
func (u User) Merge(f Fields) (User, error) {
	if err := ValidateUserFields(f); err != nil {
		return User{}, err
	}
	var out User
	if err := mergeJSON(u, f, &out); err != nil {
		return User{}, err
	}
	out.UID = u.UID
	out.ProfilePhotoData = u.ProfilePhotoData
	return out, nil
}

// UserChange はローカルストアでのユーザー変更通知を表す。
type UserChange struct {
	UID     string
	User    *User // Deleted の場合はnil
	Deleted bool
}
