package model

// Table describes one target table's shape: enough for the transformer
// to pick a deterministic column order and for the loader to generate
// DDL, the version-gated merge statement, and do-nothing fallbacks.
//
// Only tables that carry their own version/nullification columns
// (currently just icsr_master, and the audit schema's single table) set
// VersionKey/NullificationFlag; every other table applies with an
// unconditional ON CONFLICT DO NOTHING on PrimaryKey -- junction
// tables like drug_substances have no version of their own to gate on.
type Table struct {
	Name              string
	Columns           []string
	PrimaryKey        []string
	VersionKey        string // "" if this table has none
	NullificationFlag string // "" if this table has none
}

// HasVersionGate reports whether rows in this table are subject to the
// version-gated merge rather than a plain do-nothing upsert.
func (t Table) HasVersionGate() bool {
	return t.VersionKey != "" || t.NullificationFlag != ""
}

var (
	TableICSRMaster = Table{
		Name: "icsr_master",
		Columns: []string{
			"safetyreportid", "receiptdate", "date_of_most_recent_info",
			"is_nullified", "senderidentifier", "receiveridentifier",
			"reportercountry", "qualification",
		},
		PrimaryKey:        []string{"safetyreportid"},
		VersionKey:        "date_of_most_recent_info",
		NullificationFlag: "is_nullified",
	}

	TablePatientCharacteristics = Table{
		Name:       "patient_characteristics",
		Columns:    []string{"safetyreportid", "initials", "onsetage", "sex"},
		PrimaryKey: []string{"safetyreportid"},
	}

	TableReactions = Table{
		Name:       "reactions",
		Columns:    []string{"safetyreportid", "primarysourcereaction", "reactionmeddrapt"},
		PrimaryKey: []string{"safetyreportid", "primarysourcereaction"},
	}

	TableDrugs = Table{
		Name: "drugs",
		Columns: []string{
			"safetyreportid", "drug_seq", "characterization",
			"medicinalproduct", "dosagenumber", "dosageunit", "dosagetext",
		},
		PrimaryKey: []string{"safetyreportid", "drug_seq"},
	}

	TableDrugSubstances = Table{
		Name:       "drug_substances",
		Columns:    []string{"safetyreportid", "drug_seq", "activesubstancename"},
		PrimaryKey: []string{"safetyreportid", "drug_seq", "activesubstancename"},
	}

	TableTestsProcedures = Table{
		Name: "tests_procedures",
		Columns: []string{
			"safetyreportid", "testname", "testdate", "testresult",
			"resultunit", "comments",
		},
		PrimaryKey: []string{"safetyreportid", "testname"},
	}

	TableCaseSummaryNarrative = Table{
		Name:       "case_summary_narrative",
		Columns:    []string{"safetyreportid", "narrative"},
		PrimaryKey: []string{"safetyreportid"},
	}

	TableICSRAudit = Table{
		Name:       "icsr_audit",
		Columns:    []string{"safetyreportid", "receiptdate", "icsr_payload", "etl_load_timestamp"},
		PrimaryKey: []string{"safetyreportid"},
		VersionKey: "receiptdate",
	}

	TableFileHistory = Table{
		Name:       "etl_file_history",
		Columns:    []string{"filename", "file_hash", "status", "rows_processed", "load_timestamp"},
		PrimaryKey: []string{"file_hash"},
	}
)

// NormalizedTables lists every table load_normalized_data populates, in
// an order safe for prepare_load/bulk_load_native/handle_upsert (parent
// before children is not actually required since the merge is set-based
// and per-file atomic, but master-before-children reads better in a
// schema diagram and in the history log).
var NormalizedTables = []Table{
	TableICSRMaster,
	TablePatientCharacteristics,
	TableReactions,
	TableDrugs,
	TableDrugSubstances,
	TableTestsProcedures,
	TableCaseSummaryNarrative,
}
