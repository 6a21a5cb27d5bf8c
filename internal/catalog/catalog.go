// Package catalog holds the fixed content tables of the marathon:
// habit and sport templates, the challenge pool, weekday labels,
// achievements and rating levels.
//
// A Catalog is built once at startup and passed to the services that need it.
package catalog

import "time"

// Weekday keys in Monday-first order.
var weekdayKeys = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Daily is the day filter that matches every weekday.
const Daily = "daily"

// Weekday pairs a day filter key with its display label.
type Weekday struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Achievement describes a grantable achievement.
type Achievement struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Level is a rating tier reached by points.
type Level struct {
	Tier      int    `json:"tier"`
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

// Catalog is the immutable content configuration.
type Catalog struct {
	Habits             []string
	Sports             []string
	ChallengePool      map[int]string
	Weekdays           []Weekday
	Achievements       map[string]Achievement
	Levels             []Level
	DefaultBook        string
	DefaultReadingTask string
}

// Default returns the built-in Uzbek catalog.
func Default() *Catalog {
	return &Catalog{
		Habits: []string{
			"Har kuni 06:00 da uyg'onish",
			"Uyg'ongach 60 daqiqa telefon ochmaslik",
			"Kun boshida 10 daqiqa reja yozish",
			"Ertaroq uxlash",
			"Har kuni 20 daqiqa yurish",
			"Har kuni 30 ta otjimaniya",
			"Kuniga 2 litr suv ichish",
			"3 daqiqa sovuq dush qabul qilish",
			"Har kuni 15 bet kitob o'qish",
			"Har kuni o'qilgan kitob bo'yicha xulosa yozish",
			"Haftada bir kun ijtimoiy tarmoqsiz kun",
			"Ovqat paytida telefon ishlatmaslik",
			"Har tongda 15 daqiqa badantarbiya",
			"Har kuni 10-20 ta yangi so'z yodlash",
			"Fast-food iste'mol qilmaslik",
			"Har kuni ota-onaga hurmat va mehr ko'rsatish",
			"Haftada bir marta ehson qilish",
			"Instagramdan foydalanmaslik kuni",
			"Kunni yaxshi niyat bilan boshlash",
			"Har kuni istig'for aytish",
			"Har kuni shukr qilish",
			"Uyqudan oldin duoda bo'lish",
			"Ota-ona haqiga duo qilish",
			"Har kuni ota-onadan duo so'rash",
			"Bemorlarni ziyorat qilish",
			"Birinchi bo'lib salom berish",
			"Qur'on tilovat qilish yoki tinglash",
			"Doim tahoratli yurishga harakat qilish",
			"Shakarli taomlarni kamaytirish",
			"Kun yakunida o'zini tahlil qilish",
		},
		Sports: []string{
			"1 km yugurish",
			"3 km yugurish",
			"Tez yurish (30 daqiqa)",
			"Arqon sakrash",
			"Zinadan chiqish",
			"Velosiped haydash",
			"Suzish",
			"Interval yugurish",
			"Joyida yugurish",
			"Kardio video mashqlar",
			"Push-up (otjimaniya)",
			"Squat (o'tirib-turish)",
			"Plank (taxta holati)",
			"Turnik tortilish",
			"Brus mashqi",
			"Wall-sit",
			"Lunge",
			"Dead hang",
			"Burpee",
			"Core mashqlar",
			"Stretching",
			"Yoga",
			"Nafas mashqlari",
			"Issiq-sovuq kontrast dush",
			"Ertalabki gimnastika",
			"Bo'yin va bel mashqlari",
			"Mobilizatsiya mashqlari",
			"Meditativ yurish",
			"Press mashqlari",
			"Qorin mashqlari",
			"Bel uchun mashqlar",
			"Qadam soni: 10 000+",
		},
		ChallengePool: map[int]string{
			1:  "Sovuq dush",
			2:  "3 km piyoda yurish",
			3:  "Shikoyatsiz kun",
			4:  "100 otjimaniya",
			5:  "30 daqiqa mutolaa",
			6:  "Shakarni cheklash",
			7:  "Ijtimoiy tarmoqlarsiz 4 soat",
			8:  "10 000 qadam",
			9:  "Erta uyqu",
			10: "Tongda yugurish",
		},
		Weekdays: []Weekday{
			{Key: "mon", Label: "Dushanba"},
			{Key: "tue", Label: "Seshanba"},
			{Key: "wed", Label: "Chorshanba"},
			{Key: "thu", Label: "Payshanba"},
			{Key: "fri", Label: "Juma"},
			{Key: "sat", Label: "Shanba"},
			{Key: "sun", Label: "Yakshanba"},
		},
		Achievements: map[string]Achievement{
			"streak_7":         {Code: "streak_7", Name: "7 kun streak", Description: "7 kun ketma-ket hisobot topshirildi."},
			"streak_14":        {Code: "streak_14", Name: "14 kun streak", Description: "14 kun ketma-ket hisobot topshirildi."},
			"week_100":         {Code: "week_100", Name: "100% hafta", Description: "Bir haftada barcha vazifalar to'liq bajarildi."},
			"sport_master":     {Code: "sport_master", Name: "Sport ustasi", Description: "Sport modulida yuqori intizom ko'rsatildi."},
			"habit_master":     {Code: "habit_master", Name: "Odatlar ustasi", Description: "Bir kunda barcha odatlar bajarildi."},
			"reading_master":   {Code: "reading_master", Name: "Kitobxon", Description: "Kunlik mutolaa vazifasi bajarildi."},
			"challenge_master": {Code: "challenge_master", Name: "Chellenj ustasi", Description: "Chellenjning barcha vazifalari bajarildi."},
		},
		Levels: []Level{
			{Tier: 5, Name: "Legend", MinPoints: 900},
			{Tier: 4, Name: "Titan", MinPoints: 600},
			{Tier: 3, Name: "Oltin", MinPoints: 350},
			{Tier: 2, Name: "Kumush", MinPoints: 150},
			{Tier: 1, Name: "Bronza", MinPoints: 0},
		},
		DefaultBook:        "Intizom kuchi",
		DefaultReadingTask: "30 bet",
	}
}

// WeekdayKey returns the Monday-first key (mon..sun) of t.
func WeekdayKey(t time.Time) string {
	// time.Weekday is Sunday-first.
	return weekdayKeys[(int(t.Weekday())+6)%7]
}

// IsWeekdayKey reports whether key names a weekday.
func IsWeekdayKey(key string) bool {
	for _, k := range weekdayKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ChallengeTask maps a picked number to its task. Numbers outside the pool
// wrap onto it.
func (c *Catalog) ChallengeTask(n int) string {
	if task, ok := c.ChallengePool[n]; ok {
		return task
	}
	return c.ChallengePool[(n%10)+1]
}

// MasteryCode returns the achievement code for fully completing a module in a day.
func MasteryCode(module string) string {
	switch module {
	case "habits":
		return "habit_master"
	case "sports":
		return "sport_master"
	case "reading":
		return "reading_master"
	case "challenge":
		return "challenge_master"
	}
	return ""
}

// LevelFor returns the highest level reached with points.
func (c *Catalog) LevelFor(points int) Level {
	for _, l := range c.Levels {
		if points >= l.MinPoints {
			return l
		}
	}
	return c.Levels[len(c.Levels)-1]
}
