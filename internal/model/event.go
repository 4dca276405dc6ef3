package model

// Event はスケジュールされた活動を表す。
// UIDはリモートストアが作成時に採番し、以後変更されない。
type Event struct {
	UID                  string `json:"uid"`
	Site                 string `json:"sede"`
	ActivityType         string `json:"tipoActividad"`
	Title                string `json:"tituloEvento"`
	ActivityDate         string `json:"fechaActividad"`
	StartTime            string `json:"horarioInicio"`
	EndTime              string `json:"horarioTermino"`
	Department           string `json:"dependencia"`
	Modality             string `json:"modalidad"`
	RepresentativeTutor  string `json:"docenteRepresentante"`
	Guests               string `json:"invitados"`
	DirectorParticipant  string `json:"directorParticipante"`
	LeaderParticipant    string `json:"liderParticipante"`
	SubleaderParticipant string `json:"subliderParticipante"`
	Ambassadors          string `json:"embajadores"`
	RegisteredCount      int    `json:"inscritos"`
	InPersonAttendance   int    `json:"asistentesPresencial"`
	OnlineAttendance     int    `json:"asistentesOnline"`
	Links                string `json:"enlaces"`
}

var eventFieldNames = map[string]struct{}{
	"sede":                 {},
	"tipoActividad":        {},
	"tituloEvento":         {},
	"fechaActividad":       {},
	"horarioInicio":        {},
	"horarioTermino":       {},
	"dependencia":          {},
	"modalidad":            {},
	"docenteRepresentante": {},
	"invitados":            {},
	"directorParticipante": {},
	"liderParticipante":    {},
	"subliderParticipante": {},
	"embajadores":          {},
	"inscritos":            {},
	"asistentesPresencial": {},
	"asistentesOnline":     {},
	"enlaces":              {},
}

// requiredEventFields は作成時に必須のフィールド。
var requiredEventFields = []string{
	"sede", "tipoActividad", "tituloEvento", "fechaActividad",
	"horarioInicio", "horarioTermino", "dependencia", "modalidad",
}

// ValidateEventFields はイベントの部分更新フィールドを検証する。
func ValidateEventFields(f Fields) error {
	return f.validate(eventFieldNames)
}

// Validate は新規作成するイベントの必須項目を検証する。
func (e Event) Validate() error {
	f, err := e.Fields()
	if err != nil {
		return err
	}
	for _, name := range requiredEventFields {
		if s, _ := f[name].(string); s == "" {
			return NewInvalidFieldError(name, "必須項目です")
		}
	}
	return nil
}

// Merge はfieldsを適用した新しいEventを返す。
func (e Event) Merge(f Fields) (Event, error) {
	if err := ValidateEventFields(f); err != nil {
		return Event{}, err
	}
	var out Event
	if err := mergeJSON(e, f, &out); err != nil {
		return Event{}, err
	}
	out.UID = e.UID
	return out, nil
}

// Fields はuidを除くイベントの全フィールドを返す。
func (e Event) Fields() (Fields, error) {
	f, err := toFields(e)
	if err != nil {
		return nil, err
	}
	delete(f, "uid")
	return f, nil
}
