package auth

import "testing"

func ptr(v int64) *int64 { return &v }

func TestCanModify(t *testing.T) {
	cases := []struct {
		name   string
		actor  Account
		target Target
		want   bool
	}{
		{"superadmin modifies admin", Account{ID: 2, Usertype: RoleSuperadmin}, Target{ID: 5, Usertype: RoleAdmin}, true},
		{"superadmin modifies worker", Account{ID: 2, Usertype: RoleSuperadmin}, Target{ID: 5, Usertype: RoleWorker}, true},
		{"admin modifies worker", Account{ID: 3, Usertype: RoleAdmin}, Target{ID: 5, Usertype: RoleWorker}, true},
		{"admin cannot modify superadmin", Account{ID: 3, Usertype: RoleAdmin}, Target{ID: 2, Usertype: RoleSuperadmin}, false},
		{"bootstrap only by itself", Account{ID: 2, Usertype: RoleSuperadmin}, Target{ID: BootstrapID, Usertype: RoleSuperadmin}, false},
		{"bootstrap by itself", Account{ID: BootstrapID, Usertype: RoleSuperadmin}, Target{ID: BootstrapID, Usertype: RoleSuperadmin}, true},
		{"department modifies own worker", Account{ID: 4, Usertype: RoleDepartment, DepartmentID: ptr(9)}, Target{ID: 5, Usertype: RoleWorker, DepartmentID: ptr(9)}, true},
		{"department cannot cross departments", Account{ID: 4, Usertype: RoleDepartment, DepartmentID: ptr(9)}, Target{ID: 5, Usertype: RoleWorker, DepartmentID: ptr(8)}, false},
		{"department cannot modify admin", Account{ID: 4, Usertype: RoleDepartment, DepartmentID: ptr(9)}, Target{ID: 5, Usertype: RoleAdmin, DepartmentID: ptr(9)}, false},
		{"worker modifies self", Account{ID: 6, Usertype: RoleWorker}, Target{ID: 6, Usertype: RoleWorker}, true},
		{"worker cannot modify others", Account{ID: 6, Usertype: RoleWorker}, Target{ID: 7, Usertype: RoleWorker}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanModify(tc.actor, tc.target); got != tc.want {
				t.Fatalf("CanModify(%+v, %+v) = %v, want %v", tc.actor, tc.target, got, tc.want)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RoleWorker, RoleDepartment, RoleAdmin, RoleSuperadmin} {
		if !ValidRole(r) {
			t.Fatalf("%s should be valid", r)
		}
	}
	for _, r := range []string{"USER", "", "admin"} {
		if ValidRole(r) {
			t.Fatalf("%s should be invalid", r)
		}
	}
	if IsAdmin(RoleWorker) || IsAdmin(RoleDepartment) || !IsAdmin(RoleAdmin) || !IsAdmin(RoleSuperadmin) {
		t.Fatalf("IsAdmin gate wrong")
	}
}
