package model

import "strings"

// Visible labels shared by the Master and Guide grids.
const (
	LabelMorning     = "MAÑANA"
	LabelAfternoon   = "TARDE"
	LabelUnavailable = "NO DISPONIBLE"
	LabelRelease     = "LIBERAR"

	LabelAssignedMorning = "ASIGNADO M"
	LabelAssignedT1      = "ASIGNADO T1"
	LabelAssignedT2      = "ASIGNADO T2"
	LabelAssignedT3      = "ASIGNADO T3"

	DirectiveAssignMorning = "ASIGNAR MAÑANA"
	DirectiveAssignT1      = "ASIGNAR T1"
	DirectiveAssignT2      = "ASIGNAR T2"
	DirectiveAssignT3      = "ASIGNAR T3"
)

const assignedPrefix = "ASIGNADO"

// IsAssignedLabel reports whether label is one of the ASIGNADO * labels.
func IsAssignedLabel(label string) bool {
	return strings.HasPrefix(label, assignedPrefix)
}

// ParseAssignDirective maps a Master ASIGNAR directive to its period.
func ParseAssignDirective(label string) (Period, bool) {
	switch label {
	case DirectiveAssignMorning:
		return PeriodMorning, true
	case DirectiveAssignT1:
		return PeriodT1, true
	case DirectiveAssignT2:
		return PeriodT2, true
	case DirectiveAssignT3:
		return PeriodT3, true
	}
	return "", false
}

// NormalizeLabel trims surrounding whitespace. Grid cells written by hand
// often carry trailing spaces.
func NormalizeLabel(raw string) string {
	return strings.TrimSpace(raw)
}
