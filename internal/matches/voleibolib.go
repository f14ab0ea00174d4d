package matches

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/xerrors"
)

// DefaultUnknownVenue is the location of matches whose home team has no known venue.
const DefaultUnknownVenue = "Consultar web oficial"

// voleibolib rejects requests without a referer from its own site.
const voleibolibReferer = "https://www.voleibolib.net/"

var (
	datePattern = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
	timePattern = regexp.MustCompile(`\d{2}:\d{2}`)
)

// ScraperOptions configures a Scraper.
type ScraperOptions struct {
	// Team selects the rows to keep; matched case-insensitively against the row text.
	Team string
	// Venues maps home team names to the venue they play at.
	Venues map[string]string
	// UnknownVenue is used when no Venues entry matches. Defaults to DefaultUnknownVenue.
	UnknownVenue string
}

type venue struct {
	team, place string
}

// Scraper reads the matches of one team from a voleibolib.net competition calendar.
//
// The page is a list of "calendario-completo" tables, one per round, headed by the
// round title ("Jornada 1 11/10/2025"). Each match row holds the home team, the away
// team and either the scheduled date and time or, once played, the result.
type Scraper struct {
	client       *http.Client
	url          string
	team         string
	venues       []venue
	unknownVenue string
}

// NewScraper creates a Scraper for rawURL. A nil client gets one with DefaultTimeout.
func NewScraper(rawURL string, client *http.Client, opts ScraperOptions) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	venues := make([]venue, 0, len(opts.Venues))
	for team, place := range opts.Venues {
		if team = strings.ToUpper(strings.TrimSpace(team)); team != "" {
			venues = append(venues, venue{team: team, place: place})
		}
	}
	// Longest name first so "ANAYA MAYURQA VOLEY PALMA" wins over "MAYURQA VOLEY PALMA".
	sort.Slice(venues, func(i, j int) bool {
		if len(venues[i].team) != len(venues[j].team) {
			return len(venues[i].team) > len(venues[j].team)
		}
		return venues[i].team < venues[j].team
	})

	unknown := opts.UnknownVenue
	if unknown == "" {
		unknown = DefaultUnknownVenue
	}

	return &Scraper{
		client:       client,
		url:          rawURL,
		team:         strings.ToUpper(strings.TrimSpace(opts.Team)),
		venues:       venues,
		unknownVenue: unknown,
	}
}

// Fetch downloads the calendar page and extracts the team's matches.
// Every failure is returned as a *FetchError.
func (s *Scraper) Fetch(ctx context.Context) ([]Match, error) {
	body, err := download(ctx, s.client, s.url, http.Header{
		"Accept":  {"text/html"},
		"Referer": {voleibolibReferer},
	})
	if err != nil {
		return nil, &FetchError{URL: redactURL(s.url), Err: err}
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{URL: redactURL(s.url), Err: xerrors.Errorf("parse calendar page: %w", err)}
	}

	tables := findAll(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Table && hasClass(n, "calendario-completo")
	})
	log.Printf("Found %d rounds in calendar page.", len(tables))

	var list []Match
	for _, table := range tables {
		list = append(list, s.parseRound(table)...)
	}
	return list, nil
}

// parseRound extracts the team's matches from one round table.
func (s *Scraper) parseRound(table *html.Node) []Match {
	title := "Jornada ?"
	if th := findFirst(table, atom.Th); th != nil {
		title = text(th, "")
	}

	var list []Match
	for _, row := range findAll(table, func(n *html.Node) bool { return n.DataAtom == atom.Tr }) {
		if hasClass(row, "jornada") {
			continue
		}
		if s.team != "" && !strings.Contains(strings.ToUpper(text(row, " ")), s.team) {
			continue
		}

		cells := findAll(row, func(n *html.Node) bool { return n.DataAtom == atom.Td })
		if len(cells) < 3 {
			continue
		}

		m, ok := s.parseRow(title, cells)
		if ok {
			list = append(list, m)
		}
	}
	return list
}

// parseRow builds the match of a row. Rows without a usable date are dropped.
func (s *Scraper) parseRow(title string, cells []*html.Node) (Match, bool) {
	home := text(cells[0], "")
	away := text(cells[1], "")
	info := cells[2]

	var date, clock, result string
	if strong := findFirst(info, atom.Strong); strong != nil {
		// Upcoming: <strong>dd/mm/yyyy<br>hh:mm</strong>
		content := text(strong, " ")
		date = datePattern.FindString(content)
		clock = timePattern.FindString(content)
	} else if span := findFirstClass(info, atom.Span, "resultado"); span != nil {
		// Played: only the round date is left.
		result = text(span, "")
		date = datePattern.FindString(title)
	}
	if date == "" {
		return Match{}, false
	}

	day, err := time.Parse("02/01/2006", date)
	if err != nil {
		log.Printf("Warning: skipping %s vs %s: invalid date %q", home, away, date)
		return Match{}, false
	}

	m := Match{
		UID:         s.matchUID(title, home, away),
		Name:        fmt.Sprintf("🏐 %s vs %s", home, away),
		Description: title,
		Location:    s.venueFor(home),
		Begin:       day.Format("2006-01-02"),
		AllDay:      true,
	}
	if clock != "" {
		at, err := time.Parse("02/01/2006 15:04", date+" "+clock)
		if err != nil {
			log.Printf("Warning: skipping %s vs %s: invalid time %q", home, away, clock)
			return Match{}, false
		}
		m.Begin = at.Format("2006-01-02T15:04")
		m.AllDay = false
	}
	if result != "" {
		m.Description += "\nResultado: " + result
	}

	return m, true
}

// matchUID is stable across reschedules: it leaves out the date of the round title.
func (s *Scraper) matchUID(title, home, away string) string {
	round := strings.TrimSpace(datePattern.ReplaceAllString(title, ""))
	key := strings.Join([]string{s.url, round, strings.ToUpper(home), strings.ToUpper(away)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// venueFor looks up the venue of the home team. An exact name wins, then a known
// name inside the home team name, then the home team name inside a known name.
func (s *Scraper) venueFor(home string) string {
	home = strings.ToUpper(strings.TrimSpace(home))
	if home == "" {
		return s.unknownVenue
	}
	for _, match := range []func(v venue) bool{
		func(v venue) bool { return v.team == home },
		func(v venue) bool { return strings.Contains(home, v.team) },
		func(v venue) bool { return strings.Contains(v.team, home) },
	} {
		for _, v := range s.venues {
			if match(v) {
				return v.place
			}
		}
	}
	return s.unknownVenue
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && match(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	return findFirstClass(n, a, "")
}

func findFirstClass(n *html.Node, a atom.Atom, class string) *html.Node {
	found := findAll(n, func(c *html.Node) bool {
		return c.DataAtom == a && (class == "" || hasClass(c, class))
	})
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// text joins the trimmed, non-empty text nodes below n with sep.
func text(n *html.Node, sep string) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, sep)
}
