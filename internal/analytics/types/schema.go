package types

import cbigquery "cloud.google.com/go/bigquery"

const (
	// PartitionField is the day-partition column of both export tables.
	PartitionField = "occurred_at"
	clusterField   = "user_id"
)

// LedgerEntrySchema is the column layout of the ledger_entries table.
func LedgerEntrySchema() cbigquery.Schema {
	return cbigquery.Schema{
		required("event_id", cbigquery.StringFieldType),
		required("entry_id", cbigquery.StringFieldType),
		required("user_id", cbigquery.StringFieldType),
		required("sequence", cbigquery.IntegerFieldType),
		required("kind", cbigquery.StringFieldType),
		required("amount", cbigquery.NumericFieldType),
		required("signed_amount", cbigquery.NumericFieldType),
		required("balance_after", cbigquery.NumericFieldType),
		required("reference_type", cbigquery.StringFieldType),
		required("reference_id", cbigquery.StringFieldType),
		nullable("model", cbigquery.StringFieldType),
		nullable("rate_card_version", cbigquery.StringFieldType),
		nullable("metadata", cbigquery.JSONFieldType),
		required(PartitionField, cbigquery.TimestampFieldType),
	}
}

// PurchaseEventSchema is the column layout of the purchase_events table.
func PurchaseEventSchema() cbigquery.Schema {
	return cbigquery.Schema{
		required("event_id", cbigquery.StringFieldType),
		required("event_type", cbigquery.StringFieldType),
		required("purchase_id", cbigquery.StringFieldType),
		required("user_id", cbigquery.StringFieldType),
		required("provider_session_id", cbigquery.StringFieldType),
		nullable("package_code", cbigquery.StringFieldType),
		nullable("total_credits", cbigquery.IntegerFieldType),
		nullable("price_usd_cents", cbigquery.IntegerFieldType),
		nullable("ledger_entry_id", cbigquery.StringFieldType),
		nullable("failure_reason", cbigquery.StringFieldType),
		required(PartitionField, cbigquery.TimestampFieldType),
	}
}

// ClusterFields lists the clustering columns shared by the export tables.
func ClusterFields() []string {
	return []string{clusterField}
}

func required(name string, typ cbigquery.FieldType) *cbigquery.FieldSchema {
	return &cbigquery.FieldSchema{Name: name, Type: typ, Required: true}
}

func nullable(name string, typ cbigquery.FieldType) *cbigquery.FieldSchema {
	return &cbigquery.FieldSchema{Name: name, Type: typ}
}
