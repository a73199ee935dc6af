// README: Common money value object used across modules.
package types

// CurrencyXOF is the West African CFA franc (FCFA). Amounts carry no minor unit.
const CurrencyXOF = "XOF"

type Money struct {
	Amount   int64
	Currency string
}

func FCFA(amount int64) Money {
	return Money{Amount: amount, Currency: CurrencyXOF}
}
