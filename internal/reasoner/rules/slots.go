// ABOUTME: Intent keywords and slot extraction for the rules reasoner
// ABOUTME: Pulls amounts, account references, dates and IDs out of an utterance

package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Youmanvi/bankAssistant/internal/handler"
)

var (
	goodbyeRe   = regexp.MustCompile(`\b(bye|goodbye|that's all|that is all|nothing else|no thanks)\b`)
	humanRe     = regexp.MustCompile(`\b(human|person|representative|operator|banker|real agent|live agent)\b`)
	balanceRe   = regexp.MustCompile(`\b(balance|balances|how much)\b`)
	statementRe = regexp.MustCompile(`\bstatements?\b`)
	paymentsRe  = regexp.MustCompile(`\b(transfer|send|move|pay|payment|payments|schedule|cancel)\b`)
	transferRe  = regexp.MustCompile(`\b(transfer|send|move|pay)\b`)
	scheduleRe  = regexp.MustCompile(`\b(schedule|scheduled|later|future)\b`)
	cancelRe    = regexp.MustCompile(`\b(cancel|stop|void)\b`)
	loanRe      = regexp.MustCompile(`\b(loan|loans|borrow|mortgage)\b`)
	cardRe      = regexp.MustCompile(`\b(credit card|card)\b`)
	appsRe      = regexp.MustCompile(`\b(loan|loans|borrow|mortgage|credit card|card|application|apply)\b`)
	statusRe    = regexp.MustCompile(`\bstatus\b`)

	appIDRe     = regexp.MustCompile(`\bapp-[0-9a-f]{8}\b`)
	paymentIDRe = regexp.MustCompile(`\bpay-?(\d{3})\b`)
	dateRe      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	periodRe    = regexp.MustCompile(`\b\d{4}-\d{2}\b`)
	termRe      = regexp.MustCompile(`\b(\d{1,2})[ -]years?\b`)
	accountRe   = regexp.MustCompile(`(?i)\b(?:(chk|sav)[- ]?(\d{4})|(checking|savings))\b`)

	dollarRe = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d{1,2})?)`)
	wordsRe  = regexp.MustCompile(`(?i)\b(\d[\d,]*(?:\.\d{1,2})?)\s*(?:dollars|bucks)\b`)
	bareRe   = regexp.MustCompile(`\b(\d[\d,]*(?:\.\d{1,2})?)\b`)
)

// classify picks the triage hand-off for an utterance.
func classify(utter string) string {
	switch {
	case balanceRe.MatchString(utter) || statementRe.MatchString(utter):
		return handler.ActionTransferToAccounts
	case appsRe.MatchString(utter) || appIDRe.MatchString(utter):
		return handler.ActionTransferToApplications
	case paymentsRe.MatchString(utter) || paymentIDRe.MatchString(utter):
		return handler.ActionTransferToPayments
	}
	return ""
}

// parseAmount finds a dollar amount. A "$" or "dollars" form wins over a bare
// number, and numbers that belong to IDs, dates or terms are ignored.
func parseAmount(text string) (float64, bool) {
	if m := dollarRe.FindStringSubmatch(text); m != nil {
		return toFloat(m[1])
	}
	if m := wordsRe.FindStringSubmatch(text); m != nil {
		return toFloat(m[1])
	}
	lower := strings.ToLower(text)
	for _, re := range []*regexp.Regexp{appIDRe, paymentIDRe, dateRe, periodRe, termRe, accountRe} {
		lower = re.ReplaceAllString(lower, " ")
	}
	if m := bareRe.FindStringSubmatch(lower); m != nil {
		return toFloat(m[1])
	}
	return 0, false
}

func toFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

type accountMention struct {
	ref    string // CHK-1001 or a type word
	marker string // from, to, or empty
}

// accountRefs lists account mentions in order, tagged by the preposition before them.
func accountRefs(text string) []accountMention {
	var out []accountMention
	for _, idx := range accountRe.FindAllStringSubmatchIndex(text, -1) {
		var ref string
		if idx[2] >= 0 {
			ref = strings.ToUpper(text[idx[2]:idx[3]]) + "-" + text[idx[4]:idx[5]]
		} else {
			ref = strings.ToLower(text[idx[6]:idx[7]])
		}

		marker := ""
		before := strings.Fields(strings.ToLower(text[:idx[0]]))
		for i := len(before) - 1; i >= 0 && i >= len(before)-3; i-- {
			w := before[i]
			if w == "from" {
				marker = "from"
				break
			}
			if w == "to" || w == "into" {
				marker = "to"
				break
			}
		}
		out = append(out, accountMention{ref: ref, marker: marker})
	}
	return out
}

// transferEnds resolves the source and destination of a transfer. With only
// one side named, the other is the opposite account type.
func transferEnds(text string) (from, to string) {
	var unmarked []string
	for _, m := range accountRefs(text) {
		switch {
		case m.marker == "from" && from == "":
			from = m.ref
		case m.marker == "to" && to == "":
			to = m.ref
		default:
			unmarked = append(unmarked, m.ref)
		}
	}
	for _, ref := range unmarked {
		if from == "" {
			from = ref
		} else if to == "" {
			to = ref
		}
	}
	switch {
	case from != "" && to == "":
		to = oppositeType(from)
	case to != "" && from == "":
		from = oppositeType(to)
	}
	return from, to
}

func oppositeType(ref string) string {
	r := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(r, "chk") || r == "checking":
		return "savings"
	case strings.HasPrefix(r, "sav") || r == "savings":
		return "checking"
	}
	return ""
}

func paymentID(utter string) string {
	m := paymentIDRe.FindStringSubmatch(utter)
	if m == nil {
		return ""
	}
	return "PAY" + m[1]
}

func statementPeriod(utter string) string {
	if dateRe.MatchString(utter) {
		return dateRe.FindString(utter)[:7]
	}
	return periodRe.FindString(utter)
}

func termYears(utter string) int {
	m := termRe.FindStringSubmatch(utter)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// loanPurpose takes the phrase after the last "for", up to a term or clause break.
func loanPurpose(utter string) string {
	i := strings.LastIndex(utter, " for ")
	if i < 0 {
		return ""
	}
	rest := utter[i+len(" for "):]
	for _, stop := range []string{" over ", " with ", " at ", " and ", ",", ".", "?", "!"} {
		if j := strings.Index(rest, stop); j >= 0 {
			rest = rest[:j]
		}
	}
	words := strings.Fields(rest)
	for len(words) > 0 {
		switch words[0] {
		case "a", "an", "my", "the", "some":
			words = words[1:]
			continue
		}
		break
	}
	if len(words) == 0 || len(words) > 4 || loanRe.MatchString(strings.Join(words, " ")) {
		return ""
	}
	return strings.Join(words, " ")
}

func cardType(utter string) string {
	for _, t := range []string{"platinum", "gold", "rewards"} {
		if strings.Contains(utter, t) {
			return t
		}
	}
	return "standard"
}
