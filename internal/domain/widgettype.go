package domain

// WidgetType is the closed taxonomy of widget variants. The zero value is
// TypeNone, which is also what unknown ids decode to.
type WidgetType int

const (
	TypeNone WidgetType = iota
	TypePhoto
	TypeQuote
	TypeClockDigital1
	TypeClockDigital2
	TypeClockAnalog1
	TypeClockAnalog2
	TypeCalendar1
	TypeCalendar2
	TypeCalendar3
	TypeCalendar4
	TypeCalendar5
	TypeCalendar6
	TypeWeather1
	TypeWeather2
	TypeWeather3
	TypeWeather4
)

// Category groups variants that share a content kind and update pipeline.
type Category int

const (
	CategoryNone Category = iota
	CategoryPhoto
	CategoryQuote
	CategoryClock
	CategoryCalendar
	CategoryWeather
)

var typeIDs = map[WidgetType]string{
	TypeNone:          "NONE",
	TypePhoto:         "PHOTO",
	TypeQuote:         "QUOTE",
	TypeClockDigital1: "CLOCK_DIGITAL_1",
	TypeClockDigital2: "CLOCK_DIGITAL_2",
	TypeClockAnalog1:  "CLOCK_ANALOG_1",
	TypeClockAnalog2:  "CLOCK_ANALOG_2",
	TypeCalendar1:     "CALENDAR_1",
	TypeCalendar2:     "CALENDAR_2",
	TypeCalendar3:     "CALENDAR_3",
	TypeCalendar4:     "CALENDAR_4",
	TypeCalendar5:     "CALENDAR_5",
	TypeCalendar6:     "CALENDAR_6",
	TypeWeather1:      "WEATHER_1",
	TypeWeather2:      "WEATHER_2",
	TypeWeather3:      "WEATHER_3",
	TypeWeather4:      "WEATHER_4",
}

// Legacy short-form names from older configs map to each category's
// canonical default variant.
var legacyIDs = map[string]WidgetType{
	"PHOTO":    TypePhoto,
	"QUOTE":    TypeQuote,
	"CLOCK":    TypeClockDigital1,
	"CALENDAR": TypeCalendar1,
	"WEATHER":  TypeWeather1,
}

var idTypes = func() map[string]WidgetType {
	m := make(map[string]WidgetType, len(typeIDs))
	for t, id := range typeIDs {
		m[id] = t
	}
	return m
}()

// IDFromType returns the stable string id for t. Total and injective over
// AllTypes.
func (t WidgetType) ID() string { return typeIDs[t] }

func IDFromType(t WidgetType) string { return typeIDs[t] }

// TypeFromID decodes a string id, accepting legacy short forms. It never
// fails: unknown ids decode to TypeNone.
func TypeFromID(id string) WidgetType {
	if t, ok := idTypes[id]; ok {
		return t
	}
	if t, ok := legacyIDs[id]; ok {
		return t
	}
	return TypeNone
}

func (t WidgetType) Category() Category {
	switch t {
	case TypePhoto:
		return CategoryPhoto
	case TypeQuote:
		return CategoryQuote
	case TypeClockDigital1, TypeClockDigital2, TypeClockAnalog1, TypeClockAnalog2:
		return CategoryClock
	case TypeCalendar1, TypeCalendar2, TypeCalendar3, TypeCalendar4, TypeCalendar5, TypeCalendar6:
		return CategoryCalendar
	case TypeWeather1, TypeWeather2, TypeWeather3, TypeWeather4:
		return CategoryWeather
	}
	return CategoryNone
}

// AllTypes returns every type including TypeNone, in declaration order.
func AllTypes() []WidgetType {
	out := make([]WidgetType, 0, len(typeIDs))
	for t := TypeNone; t <= TypeWeather4; t++ {
		out = append(out, t)
	}
	return out
}

// MainTypesForPicker returns one representative per category, excluding
// TypeNone, for the widget picker UI.
func MainTypesForPicker() []WidgetType {
	return []WidgetType{TypePhoto, TypeQuote, TypeClockDigital1, TypeCalendar1, TypeWeather1}
}

func (t WidgetType) String() string { return typeIDs[t] }
