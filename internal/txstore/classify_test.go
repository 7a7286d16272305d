package txstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsAccents(t *testing.T) {
	require.Equal(t, "socio", Normalize("  Sócio "))
	require.Equal(t, "material de escritorio", Normalize("Material de Escritório"))
	require.Equal(t, "funcionario", Normalize("FUNCIONÁRIO"))
}

func TestClassifyPurchase(t *testing.T) {
	cases := []struct {
		purchase Purchase
		want     CostCenter
	}{
		{Purchase{Category: "ALIMENTOS"}, CostCenterKitchen},
		{Purchase{Category: "Hortifruti"}, CostCenterKitchen},
		{Purchase{Category: "Cerveja long neck"}, CostCenterBeverages},
		{Purchase{Category: "Tabacaria"}, CostCenterBeverages},
		{Purchase{Category: "Destilados"}, CostCenterDrinks},
		{Purchase{Category: "Bebidas para drinks"}, CostCenterDrinks},
		{Purchase{Category: "Manutenção"}, CostCenterOther},
		{Purchase{Category: "Cerveja", CostCenter: "kitchen"}, CostCenterKitchen},
		{Purchase{Category: "Cerveja", CostCenter: "desconhecido"}, CostCenterBeverages},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyPurchase(tc.purchase), tc.purchase.Category)
	}
}

func TestClassifyLocationFallsBackToCategory(t *testing.T) {
	require.Equal(t, LocationKitchen, ClassifyLocation(StockCount{Location: "Cozinha"}))
	require.Equal(t, LocationDrinks, ClassifyLocation(StockCount{Location: "Estoque drinks"}))
	require.Equal(t, LocationBeverages, ClassifyLocation(StockCount{Location: "Bar / Salão"}))
	require.Equal(t, LocationKitchen, ClassifyLocation(StockCount{Location: "Depósito", Category: "Alimentos"}))
	require.Equal(t, LocationBeverages, ClassifyLocation(StockCount{Location: "Depósito"}))
}

func TestStockValuedExcludesSupplies(t *testing.T) {
	require.False(t, StockValued(StockCount{Category: "Descartáveis"}))
	require.False(t, StockValued(StockCount{Category: "LIMPEZA"}))
	require.False(t, StockValued(StockCount{Category: "Material de Escritório"}))
	require.False(t, StockValued(StockCount{Category: "Uniformes"}))
	require.True(t, StockValued(StockCount{Category: "Cervejas"}))
}

func TestClassifyTab(t *testing.T) {
	cases := []struct {
		entry Consumption
		want  Tab
	}{
		{Consumption{Motive: "Consumo sócio"}, TabPartners},
		{Consumption{Motive: "Cortesia sócio"}, TabPartners},
		{Consumption{Motive: "Aniversário cliente"}, TabCustomerBenefit},
		{Consumption{Motive: "Voucher"}, TabCustomerBenefit},
		{Consumption{Motive: "Banda"}, TabBandDJ},
		{Consumption{Motive: "DJ residente"}, TabBandDJ},
		{Consumption{Motive: "Chegadeira"}, TabEarlyArrival},
		{Consumption{Motive: "Refeição funcionário"}, TabHR},
		{Consumption{Motive: "Consumo RH"}, TabHR},
		{Consumption{Motive: "Mesa ADM"}, TabAdminHouse},
		{Consumption{Motive: "Quebra"}, TabAdminHouse},
		{Consumption{Motive: "Banda", Category: "partners"}, TabPartners},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyTab(tc.entry), tc.entry.Motive)
	}
}

func TestShortKeywordsMatchWholeWordPrefixes(t *testing.T) {
	// "dj" must not fire inside "adjacente".
	require.Equal(t, TabAdminHouse, ClassifyTab(Consumption{Motive: "mesa adjacente"}))
}
