package txstore

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CostCenter buckets purchases for the CMV decomposition.
type CostCenter string

const (
	CostCenterKitchen   CostCenter = "kitchen"
	CostCenterBeverages CostCenter = "beverages"
	CostCenterDrinks    CostCenter = "drinks"
	CostCenterOther     CostCenter = "other"
)

// Location buckets stock-take items.
type Location string

const (
	LocationKitchen   Location = "kitchen"
	LocationBeverages Location = "beverages"
	LocationDrinks    Location = "drinks"
)

// Tab is one of the internal consumption ledgers.
type Tab string

const (
	TabPartners        Tab = "partners"
	TabCustomerBenefit Tab = "customer_benefit"
	TabBandDJ          Tab = "band_dj"
	TabEarlyArrival    Tab = "early_arrival"
	TabAdminHouse      Tab = "admin_house"
	TabHR              Tab = "hr"
)

type keywordRule[T any] struct {
	value    T
	keywords []string
}

// Drinks are tested first: "Bebidas para drinks" belongs to the drinks center.
var purchaseRules = []keywordRule[CostCenter]{
	{CostCenterDrinks, []string{"drink", "destilado", "coquetel"}},
	{CostCenterKitchen, []string{"comida", "alimento", "cozinha", "hortifruti", "carne", "food"}},
	{CostCenterBeverages, []string{"bebida", "cerveja", "chopp", "tabacaria", "refrigerante", "vinho", "beverage"}},
}

var locationRules = []keywordRule[Location]{
	{LocationDrinks, []string{"drink", "coquetel", "destilado"}},
	{LocationKitchen, []string{"cozinha", "kitchen", "comida", "alimento"}},
	{LocationBeverages, []string{"bar", "salao", "bebida", "cerveja", "adega"}},
}

// Partner is tested before benefit: "cortesia socio" is a partner tab.
var tabRules = []keywordRule[Tab]{
	{TabPartners, []string{"socio", "partner"}},
	{TabEarlyArrival, []string{"chegadeira"}},
	{TabCustomerBenefit, []string{"beneficio", "cortesia", "aniversario", "voucher"}},
	{TabBandDJ, []string{"banda", "dj", "artista", "music"}},
	{TabHR, []string{"rh", "funcionario", "colaborador"}},
	{TabAdminHouse, []string{"adm", "administrativo", "casa"}},
}

var excludedStockCategories = []string{"descartaveis", "limpeza", "material de escritorio", "uniformes"}

// Normalize lower-cases s and strips diacritics so "Sócio" matches "socio".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func match[T any](rules []keywordRule[T], text string) (T, bool) {
	text = Normalize(text)
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if containsWord(text, kw) {
				return rule.value, true
			}
		}
	}
	var zero T
	return zero, false
}

// containsWord matches kw as a prefix of any word in text so that short
// keywords like "rh" or "dj" do not fire inside unrelated words.
func containsWord(text, kw string) bool {
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if strings.HasPrefix(word, kw) {
			return true
		}
	}
	return false
}

// ClassifyPurchase honours an explicit cost center tag and otherwise matches
// the category name.
func ClassifyPurchase(p Purchase) CostCenter {
	switch CostCenter(Normalize(p.CostCenter)) {
	case CostCenterKitchen, CostCenterBeverages, CostCenterDrinks, CostCenterOther:
		return CostCenter(Normalize(p.CostCenter))
	}
	if cc, ok := match(purchaseRules, p.Category); ok {
		return cc
	}
	return CostCenterOther
}

// ClassifyLocation maps a stock item to its storage area. Items whose
// location and category are both unrecognised belong to the bar floor.
func ClassifyLocation(c StockCount) Location {
	if loc, ok := match(locationRules, c.Location); ok {
		return loc
	}
	if loc, ok := match(locationRules, c.Category); ok {
		return loc
	}
	return LocationBeverages
}

// StockValued reports whether the item is part of the merchandise stock.
func StockValued(c StockCount) bool {
	category := Normalize(c.Category)
	for _, excluded := range excludedStockCategories {
		if category == excluded || strings.HasPrefix(category, excluded) {
			return false
		}
	}
	return true
}

// ClassifyTab honours an explicit ledger tag and otherwise matches the motive.
// Entries with no recognisable motive are charged to the house.
func ClassifyTab(c Consumption) Tab {
	switch tag := Tab(Normalize(c.Category)); tag {
	case TabPartners, TabCustomerBenefit, TabBandDJ, TabEarlyArrival, TabAdminHouse, TabHR:
		return tag
	}
	if tab, ok := match(tabRules, c.Motive); ok {
		return tab
	}
	if tab, ok := match(tabRules, c.Description); ok {
		return tab
	}
	return TabAdminHouse
}
