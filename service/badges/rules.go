package badges

// BadgeSpec describes the badge a rule awards. Criteria is a JSON payload
// stored on the badge row and echoed verbatim to clients.
type BadgeSpec struct {
	Name        string
	Description string
	IconPath    string
	Criteria    string
}

// Rule pairs a badge descriptor with a pure predicate over a user's
// activity. Rules never depend on each other's effects, so evaluation order
// is irrelevant; new badges are added by appending to the table.
type Rule struct {
	Badge BadgeSpec
	Met   func(a *Activity) (bool, error)
}

var Rules = []Rule{
	{
		Badge: BadgeSpec{
			Name:        "Explorer",
			Description: "You have visited 5 or more different places!",
			IconPath:    "badge_icons/explorer.png",
			Criteria:    `{"locations": 5}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.DistinctLocations()
			return n >= 5, err
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "Translator",
			Description: "You have translated text in 3 or more posts!",
			IconPath:    "badge_icons/translator.png",
			Criteria:    `{"translations": 3}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.MediaWithOCR()
			return n >= 3, err
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "Observer",
			Description: "You have detected objects in 10 or more photos!",
			IconPath:    "badge_icons/observer.png",
			Criteria:    `{"object_detections": 10}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.MediaWithObjects()
			return n >= 10, err
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "Photographer",
			Description: "You have uploaded 20 or more photos!",
			IconPath:    "badge_icons/photographer.png",
			Criteria:    `{"photos": 20}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.ImageCount()
			return n >= 20, err
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "Social",
			Description: "Your posts have received 15 or more likes!",
			IconPath:    "badge_icons/social.png",
			Criteria:    `{"likes": 15}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.LikesReceived()
			return n >= 15, err
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "AI Explorer",
			Description: "You have used every AI feature: OCR, object detection and smart captions!",
			IconPath:    "badge_icons/ai_explorer.png",
			Criteria:    `{"ml_features": 3}`,
		},
		Met: func(a *Activity) (bool, error) {
			ocr, err := a.MediaWithOCR()
			if err != nil {
				return false, err
			}
			objects, err := a.MediaWithObjects()
			if err != nil {
				return false, err
			}
			captions, err := a.MediaWithCaption()
			if err != nil {
				return false, err
			}
			return ocr >= 1 && objects >= 1 && captions >= 1, nil
		},
	},
	{
		Badge: BadgeSpec{
			Name:        "Polyglot",
			Description: "Master of languages! You have translated text in 10+ different photos.",
			IconPath:    "badge_icons/polyglot.png",
			Criteria:    `{"translations": 10}`,
		},
		Met: func(a *Activity) (bool, error) {
			n, err := a.MediaWithOCR()
			return n >= 10, err
		},
	},
}
