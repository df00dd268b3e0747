package ledger

import (
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace roots deterministic batch and journal IDs, so replaying a command yields the
// same identifiers.
var batchNamespace = uuid.MustParse("6f1c7b8e-3d0a-4c55-9a7e-5b2f0d4e8c11")

// JournalGenerator builds balanced journal legs for margin ledger movements.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// NewBatch starts an empty batch for the command identified by ref.
func (jg *JournalGenerator) NewBatch(ref string, sequence int64, timestampMicros int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(ref)),
		EventRef:  ref,
		Sequence:  sequence,
		Timestamp: timestampMicros,
	}
}

func (jg *JournalGenerator) leg(b *Batch, debit, credit AccountKey, amount int64, typ JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(strconv.Itoa(len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		CollateralID:  debit.CollateralID,
		Amount:        amount,
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
}

// Deposit moves funds: external:custody -> user:margin
func (jg *JournalGenerator) Deposit(b *Batch, accountID uuid.UUID, marketID, collateralID string, amount int64) {
	jg.leg(b,
		NewMarginAccountKey(accountID, marketID, collateralID),
		NewCustodyAccountKey(marketID, collateralID),
		amount, JournalTypeDeposit)
}

// Withdrawal moves funds: user:margin -> external:custody
func (jg *JournalGenerator) Withdrawal(b *Batch, accountID uuid.UUID, marketID, collateralID string, amount int64) {
	jg.leg(b,
		NewCustodyAccountKey(marketID, collateralID),
		NewMarginAccountKey(accountID, marketID, collateralID),
		amount, JournalTypeWithdrawal)
}

// KeeperFee moves funds: user:margin -> keeper:rewards
func (jg *JournalGenerator) KeeperFee(b *Batch, accountID uuid.UUID, marketID string, keeperID uuid.UUID, collateralID string, amount int64) {
	jg.leg(b,
		NewKeeperAccountKey(keeperID, collateralID),
		NewMarginAccountKey(accountID, marketID, collateralID),
		amount, JournalTypeKeeperFee)
}

// LiquidationReward moves funds: user:margin -> keeper:rewards
func (jg *JournalGenerator) LiquidationReward(b *Batch, accountID uuid.UUID, marketID string, keeperID uuid.UUID, collateralID string, amount int64) {
	jg.leg(b,
		NewKeeperAccountKey(keeperID, collateralID),
		NewMarginAccountKey(accountID, marketID, collateralID),
		amount, JournalTypeLiquidationReward)
}

// KeeperPayout moves funds: keeper:rewards -> external:custody, mirroring the release of the
// market pool's collateral to the keeper's wallet.
func (jg *JournalGenerator) KeeperPayout(b *Batch, marketID string, keeperID uuid.UUID, collateralID string, amount int64) {
	jg.leg(b,
		NewCustodyAccountKey(marketID, collateralID),
		NewKeeperAccountKey(keeperID, collateralID),
		amount, JournalTypeKeeperPayout)
}

// LiquidationSeizure moves funds: user:margin -> system:insurance_fund
func (jg *JournalGenerator) LiquidationSeizure(b *Batch, accountID uuid.UUID, marketID, collateralID string, amount int64) {
	jg.leg(b,
		NewInsuranceFundKey(marketID, collateralID),
		NewMarginAccountKey(accountID, marketID, collateralID),
		amount, JournalTypeLiquidationSeizure)
}
