package domain

import "strings"

// PersonalDetails holds the farmer's own profile fields.
type PersonalDetails struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Experience string `json:"experience,omitempty" yaml:"experience,omitempty"`
}

// FarmPreferences is the persisted farmer profile edited from the settings screens.
type FarmPreferences struct {
	Location             string           `json:"location,omitempty" yaml:"location,omitempty"`
	Crops                []string         `json:"crops,omitempty" yaml:"crops,omitempty"`
	PersonalDetails      *PersonalDetails `json:"personalDetails,omitempty" yaml:"personal_details,omitempty"`
	Language             string           `json:"language,omitempty" yaml:"language,omitempty"`
	NotificationsEnabled *bool            `json:"notificationsEnabled,omitempty" yaml:"notifications_enabled,omitempty"`
	FarmSize             string           `json:"farmSize,omitempty" yaml:"farm_size,omitempty"`
	WaterSource          string           `json:"waterSource,omitempty" yaml:"water_source,omitempty"`
}

// FarmerContext is the read-only projection used to seed assistant instructions.
type FarmerContext struct {
	Location string
	Crops    []string
	Name     string
}

// Context projects the preferences the assistant cares about.
func (p *FarmPreferences) Context() FarmerContext {
	if p == nil {
		return FarmerContext{}
	}
	fc := FarmerContext{
		Location: strings.TrimSpace(p.Location),
	}
	for _, crop := range p.Crops {
		if crop = strings.TrimSpace(crop); crop != "" {
			fc.Crops = append(fc.Crops, crop)
		}
	}
	if p.PersonalDetails != nil {
		fc.Name = strings.TrimSpace(p.PersonalDetails.Name)
	}
	return fc
}

// SpeechLanguage returns the preferred speech language, or "" when unset.
func (p *FarmPreferences) SpeechLanguage() string {
	if p == nil {
		return ""
	}
	if p.PersonalDetails != nil && p.PersonalDetails.Language != "" {
		return p.PersonalDetails.Language
	}
	return p.Language
}

// IsZero reports whether no farm context is known.
func (fc FarmerContext) IsZero() bool {
	return fc.Location == "" && len(fc.Crops) == 0 && fc.Name == ""
}
