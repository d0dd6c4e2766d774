package processor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

func entry(slug string, currencies ...money.Currency) processor.Entry {
	return processor.Entry{
		Slug:        slug,
		DisplayName: slug,
		Currencies:  currencies,
		Factory: func(p *payment.Payment, settings processor.Settings) processor.Processor {
			return nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	t.Run("registers and resolves", func(t *testing.T) {
		t.Parallel()

		r := processor.NewRegistry()
		require.NoError(t, r.Register(entry("payu", money.PLN)))
		require.True(t, r.Contains("payu"))

		e, ok := r.Get("payu")
		require.True(t, ok)
		require.Equal(t, "payu", e.Slug)
	})

	t.Run("duplicate slug overwrites silently", func(t *testing.T) {
		t.Parallel()

		r := processor.NewRegistry()
		require.NoError(t, r.Register(entry("payu", money.PLN)))

		replacement := entry("payu", money.EUR)
		replacement.DisplayName = "PayU v2"
		require.NoError(t, r.Register(replacement))

		e, _ := r.Get("payu")
		require.Equal(t, "PayU v2", e.DisplayName)
		require.Equal(t, []money.Currency{money.EUR}, e.Currencies)
	})

	t.Run("rejects entry without slug or factory", func(t *testing.T) {
		t.Parallel()

		r := processor.NewRegistry()
		require.Error(t, r.Register(processor.Entry{Slug: "x"}))
		require.Error(t, r.Register(entry("")))
	})

	t.Run("frozen registry rejects registration", func(t *testing.T) {
		t.Parallel()

		r := processor.NewRegistry()
		require.NoError(t, r.Register(entry("payu", money.PLN)))
		r.Freeze()

		err := r.Register(entry("late", money.USD))
		require.ErrorIs(t, err, processor.ErrFrozen)
		require.False(t, r.Contains("late"))
		require.True(t, r.Contains("payu"))
	})
}

func TestRegistryChoices(t *testing.T) {
	t.Parallel()

	r := processor.NewRegistry()
	require.NoError(t, r.Register(entry("payu", money.PLN, money.EUR)))
	require.NoError(t, r.Register(entry("dummy", money.USD, money.PLN)))
	require.NoError(t, r.Register(entry("transfer", money.EUR)))

	t.Run("filters by currency, sorted by slug", func(t *testing.T) {
		t.Parallel()

		choices := r.Choices(money.PLN)
		require.Len(t, choices, 2)
		require.Equal(t, "dummy", choices[0].Slug)
		require.Equal(t, "payu", choices[1].Slug)
	})

	t.Run("currency match is case-insensitive", func(t *testing.T) {
		t.Parallel()

		require.Len(t, r.Choices(money.Currency("pln")), 2)
	})

	t.Run("no backend for unsupported currency", func(t *testing.T) {
		t.Parallel()

		require.Empty(t, r.Choices(money.Currency("JPY")))
	})

	t.Run("choices carry the confirmation method", func(t *testing.T) {
		t.Parallel()

		r2 := processor.NewRegistry()
		push := entry("payu", money.PLN)
		push.Confirmation = processor.ConfirmPush
		pull := entry("transfer", money.PLN)
		pull.Confirmation = processor.ConfirmPull
		require.NoError(t, r2.Register(push))
		require.NoError(t, r2.Register(pull))

		choices := r2.Choices(money.PLN)
		require.Len(t, choices, 2)
		require.Equal(t, processor.ConfirmPush, choices[0].Confirmation)
		require.Equal(t, processor.ConfirmPull, choices[1].Confirmation)
	})

	t.Run("registered currencies are normalized", func(t *testing.T) {
		t.Parallel()

		r2 := processor.NewRegistry()
		require.NoError(t, r2.Register(entry("payu", money.Currency("pln"))))
		require.True(t, r2.Supports("payu", money.PLN))
	})
}

func TestRegistrySlugs(t *testing.T) {
	t.Parallel()

	r := processor.NewRegistry()
	require.NoError(t, r.Register(entry("transfer")))
	require.NoError(t, r.Register(entry("dummy")))
	require.NoError(t, r.Register(entry("payu")))

	require.Equal(t, []string{"dummy", "payu", "transfer"}, r.Slugs())
}

func TestRegistrySupports(t *testing.T) {
	t.Parallel()

	r := processor.NewRegistry()
	require.NoError(t, r.Register(entry("payu", money.PLN)))

	require.True(t, r.Supports("payu", money.PLN))
	require.False(t, r.Supports("payu", money.USD))
	require.False(t, r.Supports("ghost", money.PLN))
}
