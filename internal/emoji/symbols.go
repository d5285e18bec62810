package emoji

// symbols maps canonical names to Unicode renderings for platforms that speak
// raw glyphs instead of short names (Discord and Telegram reactions).
var symbols = map[string]string{
	"thumbs_up":                       "\U0001F44D",
	"thumbs_down":                     "\U0001F44E",
	"red_heart":                       "❤️",
	"revolving_hearts":                "\U0001F49E",
	"party_popper":                    "\U0001F389",
	"face_with_tears_of_joy":          "\U0001F602",
	"grinning_face_with_big_eyes":     "\U0001F604",
	"grinning_face_with_smiling_eyes": "\U0001F603",
	"grinning_squinting_face":         "\U0001F606",
	"loudly_crying_face":              "\U0001F62D",
	"thinking_face":                   "\U0001F914",
	"fire":                            "\U0001F525",
	"eyes":                            "\U0001F440",
	"clapping_hands":                  "\U0001F44F",
	"folded_hands":                    "\U0001F64F",
	"waving_hand":                     "\U0001F44B",
	"ok_hand":                         "\U0001F44C",
	"rocket":                          "\U0001F680",
	"star":                            "⭐",
	"check_mark":                      "✔️",
	"check_mark_button":               "✅",
	"cross_mark":                      "❌",
	"hundred_points":                  "\U0001F4AF",
	"raising_hands":                   "\U0001F64C",
	"flexed_biceps":                   "\U0001F4AA",
}

var fromSymbol = func() map[string]string {
	m := make(map[string]string, len(symbols))
	for name, sym := range symbols {
		m[sym] = name
	}
	return m
}()

// Symbol returns the Unicode rendering of a canonical emoji name.
func Symbol(name string) (string, bool) {
	sym, ok := symbols[normalize(name)]
	return sym, ok
}

// FromSymbol resolves a Unicode emoji back to its canonical name.
func FromSymbol(sym string) (string, bool) {
	name, ok := fromSymbol[sym]
	return name, ok
}
