package rules

const defaultFeatures = `
- code: select
  description: Select
  inmain: true
  incoexist: true
  index: 30
  bntype: checkbox
  selected: true
  target: ${exe_name_save}
- code: select_all
  description: Select all
  inhead: true
  index: 31
  bntype: checkbox
- code: close_all
  name: Close all
  description: Exit every selected program
  severity: danger
  inhead: true
  index: 33
- code: lnk_all
  name: Shortcut all
  description: Create a desktop shortcut which starts every selected program
  target: ${exe_base}
  inhead: true
  index: 100
- code: folder
  name: Open folder
  description: Open the folder containing the program
  inhead: true
  index: 120
  target: ${exe_path}
- code: lnk
  name: Shortcut
  description: Create a desktop shortcut
  inmain: true
  incoexist: true
  index: 131
  target: ${exe_save}
- code: open
  name: Run
  description: Run the program
  inmain: true
  incoexist: true
  index: 140
  target: ${exe_save}
- code: close
  name: Close
  description: Exit the program
  inmain: true
  incoexist: true
  index: 141
  severity: danger
  target: ${exe_name_save}
- code: del
  name: Delete
  description: Delete the co-existing copy
  incoexist: true
  index: 151
  severity: danger
`

// DefaultFeatures returns the features every rule has, except the ones in
// exclude.
func DefaultFeatures(exclude []string) Features {
	var all Features
	if err := decodeStrict([]byte(defaultFeatures), &all); err != nil {
		panic(err)
	}
	fs := all[:0]
	for _, f := range all {
		if !contains(exclude, f.Code) {
			fs = append(fs, f)
		}
	}
	fs.Sort()
	return fs
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
