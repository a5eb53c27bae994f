package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/hooks"
	"github.com/teranos/jobkit/sym"
)

// HooksCmd manages job hooks
var HooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: sym.Hook + " Manage job hooks",
	Long: sym.Hook + ` hooks — Run hook receiver jobs when tracked objects change

Examples:
  jobkit hooks list
  jobkit hooks add --name audit-devices --job local/audit/DeviceChanged \
      --content-type dcim.device --on create,update`,
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		list, err := app.Hooks.ListHooks(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("No job hooks")
			return nil
		}
		data := pterm.TableData{{"ID", "Name", "Job", "Content types", "Create", "Update", "Delete", "Enabled"}}
		for _, h := range list {
			data = append(data, []string{
				h.ID, h.Name, h.ClassPath, strings.Join(h.ContentTypes, ", "),
				yesNo(h.TypeCreate), yesNo(h.TypeUpdate), yesNo(h.TypeDelete), yesNo(h.Enabled),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var hooksAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a job hook",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		name, _ := cmd.Flags().GetString("name")
		classPath, _ := cmd.Flags().GetString("job")
		types, _ := cmd.Flags().GetStringSlice("content-type")
		actions, _ := cmd.Flags().GetStringSlice("on")
		disabled, _ := cmd.Flags().GetBool("disabled")

		h := &hooks.Hook{Name: name, ClassPath: classPath, ContentTypes: types, Enabled: !disabled}
		for _, a := range actions {
			switch strings.TrimSpace(a) {
			case "create":
				h.TypeCreate = true
			case "update":
				h.TypeUpdate = true
			case "delete":
				h.TypeDelete = true
			}
		}
		if err := app.Dispatcher.AddHook(cmd.Context(), h); err != nil {
			return reportValidation(err)
		}
		pterm.Success.Printf("%s Created job hook %s (%s)\n", sym.Hook, h.Name, h.ID)
		return nil
	},
}

// ButtonsCmd manages job buttons
var ButtonsCmd = &cobra.Command{
	Use:   "buttons",
	Short: sym.Hook + " Manage and press job buttons",
	Long: sym.Hook + ` buttons — Run button receiver jobs against a single object

Examples:
  jobkit buttons list --content-type dcim.device
  jobkit buttons add --name reboot --job local/ops/Reboot --content-type dcim.device
  jobkit buttons press <id> dcim.device 42`,
}

var buttonsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job buttons",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		objectType, _ := cmd.Flags().GetString("content-type")
		list, err := app.Hooks.ListButtons(cmd.Context(), objectType)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("No job buttons")
			return nil
		}
		data := pterm.TableData{{"ID", "Name", "Text", "Job", "Content types", "Weight", "Confirm", "Enabled"}}
		for _, b := range list {
			data = append(data, []string{
				b.ID, b.Name, b.Text, b.ClassPath, strings.Join(b.ContentTypes, ", "),
				strconv.Itoa(b.Weight), yesNo(b.Confirmation), yesNo(b.Enabled),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var buttonsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a job button",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		b := &hooks.Button{}
		b.Name, _ = cmd.Flags().GetString("name")
		b.ClassPath, _ = cmd.Flags().GetString("job")
		b.ContentTypes, _ = cmd.Flags().GetStringSlice("content-type")
		b.Text, _ = cmd.Flags().GetString("text")
		b.Weight, _ = cmd.Flags().GetInt("weight")
		b.Confirmation, _ = cmd.Flags().GetBool("confirm")
		disabled, _ := cmd.Flags().GetBool("disabled")
		b.Enabled = !disabled

		if err := app.Dispatcher.AddButton(cmd.Context(), b); err != nil {
			return reportValidation(err)
		}
		pterm.Success.Printf("%s Created job button %s (%s)\n", sym.Hook, b.Name, b.ID)
		return nil
	},
}

var buttonsPressCmd = &cobra.Command{
	Use:   "press <id> <content_type> <object_pk>",
	Short: "Run a button's job against one object",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		taskID, err := app.Dispatcher.PressButton(cmd.Context(), args[0], args[1], args[2], currentUser(cmd))
		if err != nil {
			return reportValidation(err)
		}
		pterm.Success.Printf("%s Job queued as %s\n", sym.Job, taskID)
		return nil
	},
}

func init() {
	hooksAddCmd.Flags().String("name", "", "Hook name")
	hooksAddCmd.Flags().String("job", "", "Class path of a hook receiver job")
	hooksAddCmd.Flags().StringSlice("content-type", nil, "Object types to watch (repeatable)")
	hooksAddCmd.Flags().StringSlice("on", []string{"create", "update", "delete"}, "Actions: create, update, delete")
	hooksAddCmd.Flags().Bool("disabled", false, "Create the hook disabled")
	HooksCmd.AddCommand(hooksListCmd, hooksAddCmd)

	buttonsListCmd.Flags().String("content-type", "", "Only buttons shown for this object type")
	buttonsAddCmd.Flags().String("name", "", "Button name")
	buttonsAddCmd.Flags().String("job", "", "Class path of a button receiver job")
	buttonsAddCmd.Flags().StringSlice("content-type", nil, "Object types the button applies to (repeatable)")
	buttonsAddCmd.Flags().String("text", "", "Button text (defaults to the name)")
	buttonsAddCmd.Flags().Int("weight", 100, "Ordering weight")
	buttonsAddCmd.Flags().Bool("confirm", false, "Ask for confirmation before running")
	buttonsAddCmd.Flags().Bool("disabled", false, "Create the button disabled")
	ButtonsCmd.AddCommand(buttonsListCmd, buttonsAddCmd, buttonsPressCmd)
}
